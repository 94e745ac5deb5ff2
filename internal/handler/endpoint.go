package handler

import (
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/config"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/endpoint"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/federation"
)

// consumerEndpoint builds this domain's wire endpoint with its derived
// VXLAN parameters.
func consumerEndpoint(d config.DomainConfig) string {
	return endpoint.New(
		d.IPAddress,
		federation.VxlanID(d.NodeID),
		federation.VxlanPort(d.NodeID),
		d.FederationNet,
	).Format()
}

// providerEndpoint builds this domain's wire endpoint; providers announce
// only their host address.
func providerEndpoint(d config.DomainConfig) string {
	return endpoint.NewProvider(d.IPAddress).Format()
}
