// Package handler exposes the FM and DO HTTP surfaces.
package handler

// AnnounceServiceRequest opens a service request on the ledger.
type AnnounceServiceRequest struct {
	Requirements string `json:"requirements" validate:"required"`
}

// PlaceBidRequest submits a provider offer.
type PlaceBidRequest struct {
	ServiceID string `json:"service_id" validate:"required"`
	Price     uint64 `json:"price" validate:"required,gt=0"`
}

// ChooseProviderRequest closes a request on a winning bid.
type ChooseProviderRequest struct {
	ServiceID string `json:"service_id" validate:"required"`
	BidIndex  uint64 `json:"bid_index"`
}

// ServiceDeployedRequest confirms a completed deployment.
type ServiceDeployedRequest struct {
	ServiceID     string `json:"service_id" validate:"required"`
	FederatedHost string `json:"federated_host" validate:"required,ip4_addr"`
}

// ConsumerRunRequest starts a consumer federation run.
type ConsumerRunRequest struct {
	OffersToWait   int     `json:"offers_to_wait" validate:"min=1"`
	Requirements   string  `json:"requirements"`
	PriceThreshold *uint64 `json:"price_threshold,omitempty"`
	ExportCSV      bool    `json:"export_csv"`
}

// ProviderRunRequest starts a provider federation run.
type ProviderRunRequest struct {
	Price          uint64 `json:"price" validate:"required,gt=0"`
	Filter         string `json:"filter"`
	RequestsToWait int    `json:"requests_to_wait"`
	ExportCSV      bool   `json:"export_csv"`
}

// DeployServiceRequest starts containers on the DO host.
type DeployServiceRequest struct {
	Image         string   `json:"image" validate:"required"`
	Name          string   `json:"name" validate:"required"`
	Network       string   `json:"network"`
	Replicas      int      `json:"replicas" validate:"min=0,max=50"`
	ContainerPort int      `json:"container_port" validate:"min=0,max=65535"`
	HostPortStart int      `json:"host_port_start" validate:"min=0,max=65535"`
	Env           []string `json:"env"`
}

// ConfigureVxlanRequest stitches the host into a federated overlay.
type ConfigureVxlanRequest struct {
	LocalIP       string `json:"local_ip" validate:"required,ip4_addr"`
	RemoteIP      string `json:"remote_ip" validate:"required,ip4_addr"`
	Interface     string `json:"interface" validate:"required"`
	VxlanID       uint32 `json:"vxlan_id" validate:"required,min=1,max=16777215"`
	DstPort       uint16 `json:"dst_port" validate:"required"`
	Subnet        string `json:"subnet" validate:"required,cidrv4"`
	IPRange       string `json:"ip_range" validate:"omitempty,cidrv4"`
	DockerNetName string `json:"docker_net_name" validate:"required"`
}

// AttachToNetworkRequest connects a container to a network.
type AttachToNetworkRequest struct {
	ContainerName string `json:"container_name" validate:"required"`
	NetworkName   string `json:"network_name" validate:"required"`
}

// ExecRequest runs a shell command inside a container.
type ExecRequest struct {
	ContainerName string `json:"container_name" validate:"required"`
	Command       string `json:"command" validate:"required"`
}

// MonitorStartRequest begins resource sampling of a container.
type MonitorStartRequest struct {
	Container string  `json:"container" validate:"required"`
	IntervalS float64 `json:"interval_s" validate:"min=0"`
	CSVPath   string  `json:"csv_path"`
	Stdout    bool    `json:"stdout"`
}
