package platform

import (
	"github.com/usetally/tally/config"
)

// ClientsFromConfig builds the enabled platform clients from configuration.
// Disabled platforms simply don't get a client; the dispatcher skips any
// tenant platform with no client registered.
func ClientsFromConfig(cnf *config.Configuration) map[string]Client {
	clients := make(map[string]Client)
	if cnf.Forwarding.Meta.Enabled {
		clients[PlatformMeta] = NewMetaClient(cnf.Forwarding.Meta.Url)
	}
	if cnf.Forwarding.GA4.Enabled {
		clients[PlatformGA4] = NewGA4Client(cnf.Forwarding.GA4.Url)
	}
	return clients
}
