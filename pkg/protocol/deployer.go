package protocol

import "github.com/chatops/swadl/pkg/compiler"

// GraphDeployer is the engine surface the version manager drives:
// installing a compiled graph as the routable definition for new
// triggers, and removing it again. Running instances are unaffected by
// either operation; they finish under the graph they started with.
type GraphDeployer interface {
	// Install registers a compiled graph and returns its deployment id.
	Install(graph *compiler.Graph, workflowID string, version int64) (string, error)

	// Uninstall removes one deployment by id.
	Uninstall(deploymentID string) error

	// UninstallWorkflow removes every deployment of a workflow id.
	UninstallWorkflow(workflowID string) error
}
