package engine

// Config describes one engine run.
type Config struct {
	// Device selects the frame device: tun://name, loopback://,
	// ws://host/path, wss://host/path or quic://host:port.
	Device string `json:"device" yaml:"device"`
	MTU    int    `json:"mtu" yaml:"mtu"`
	// IPv4 is the network of the virtual interface, in CIDR form.
	IPv4 string   `json:"ipv4" yaml:"ipv4"`
	IPv6 []string `json:"ipv6" yaml:"ipv6"`

	// Interface and Mark apply to upstream connections of the forward
	// service.
	Interface string `json:"interface" yaml:"interface"`
	Mark      int    `json:"mark" yaml:"mark"`

	LogLevel string `json:"log-level" yaml:"log-level"`
	// Metrics is the listen address of the Prometheus endpoint. Empty
	// disables it.
	Metrics string `json:"metrics" yaml:"metrics"`

	Services []Service `json:"services" yaml:"services"`
	ICMP     *ICMP     `json:"icmp" yaml:"icmp"`
}

// Service binds a service to a port of the stack.
type Service struct {
	Port uint16 `json:"port" yaml:"port"`
	// Type is echo, greet or forward.
	Type     string `json:"type" yaml:"type"`
	Upstream string `json:"upstream" yaml:"upstream"`
}

type ICMP struct {
	Enable bool `json:"enable" yaml:"enable"`
	Reply  bool `json:"reply" yaml:"reply"`
}
