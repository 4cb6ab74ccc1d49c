// Package deploy classifies where an invocation is running.
package deploy

const (
	// BranchDeploymentVar is set to "1" by the workflow platform for branch deployments.
	BranchDeploymentVar = "DAGSTER_CLOUD_IS_BRANCH_DEPLOYMENT"
	// DeploymentNameVar names the deployment the invocation runs in.
	DeploymentNameVar = "DAGSTER_CLOUD_DEPLOYMENT_NAME"
)

type Environment int

const (
	Local Environment = iota
	Branch
	Prod
)

func (e Environment) String() string {
	switch e {
	case Branch:
		return "BRANCH"
	case Prod:
		return "PROD"
	default:
		return "LOCAL"
	}
}

// Classify returns the deployment environment described by env.
// Missing variables classify as Local.
func Classify(env map[string]string) Environment {
	if env[BranchDeploymentVar] == "1" {
		return Branch
	}
	if env[DeploymentNameVar] == "prod" {
		return Prod
	}
	return Local
}
