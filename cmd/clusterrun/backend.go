package main

import (
	"fmt"

	"github.com/guseggert/clusterrun/cluster"
	awscluster "github.com/guseggert/clusterrun/cluster/aws"
	"github.com/guseggert/clusterrun/cluster/docker"
	"github.com/guseggert/clusterrun/cluster/local"
	"github.com/guseggert/clusterrun/config"
	"go.uber.org/zap"
)

func newBackend(cfg *config.Config, log *zap.SugaredLogger) (cluster.Backend, error) {
	switch cfg.Backend {
	case config.BackendAWS:
		c := awscluster.NewCluster().WithLogger(log)
		if cfg.AWS.InstanceType != "" {
			c.WithInstanceType(cfg.AWS.InstanceType)
		}
		if cfg.AWS.StagingBucket != "" {
			c.WithResources(awscluster.Resources{
				InstanceProfileARN:      cfg.AWS.InstanceProfileARN,
				InstanceSecurityGroupID: cfg.AWS.SecurityGroupID,
				AMIID:                   cfg.AWS.AMIID,
				SubnetID:                cfg.AWS.SubnetID,
				StagingBucket:           cfg.AWS.StagingBucket,
			})
		}
		return c, nil
	case config.BackendDocker:
		c, err := docker.NewCluster()
		if err != nil {
			return nil, err
		}
		c.WithLogger(log)
		if cfg.DockerImage != "" {
			c.WithBaseImage(cfg.DockerImage)
		}
		return c, nil
	case config.BackendLocal:
		c, err := local.NewCluster(cfg.LocalRoot, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
