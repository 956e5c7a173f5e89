package guest

import "github.com/marginalia/framesync/internal/integration"

// SetIntegration replaces the integration chosen for the guest's document.
func SetIntegration(g *Guest, i integration.Integration) {
	g.integration = i
}
