package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/argus-sec/argus/internal/deploy"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

// errNoDeployCommand marks deployments attempted without a configured
// rollout command.
var errNoDeployCommand = errors.New("ARGUS_DEPLOY_COMMAND not configured")

// commandDeployer shells out to an operator-supplied rollout command,
// passing the target and agent parameters in the environment. Installation
// mechanics (SSH keys, package repos, WinRM) stay in the operator's script.
type commandDeployer struct {
	command string
	log     *logging.Logger
}

func newCommandDeployer(command string, log *logging.Logger) *commandDeployer {
	return &commandDeployer{command: command, log: log}
}

func (d *commandDeployer) Deploy(ctx context.Context, node model.InfraNode, req deploy.DeployRequest) error {
	if d.command == "" {
		return errNoDeployCommand
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", d.command)
	cmd.Env = append(cmd.Environ(),
		"ARGUS_DEPLOY_IP="+node.IPAddress,
		"ARGUS_DEPLOY_HOSTNAME="+node.Hostname,
		"ARGUS_DEPLOY_OS="+node.OSType,
		"ARGUS_DEPLOY_SSH_USER="+req.SSHUsername,
		"ARGUS_DEPLOY_AGENT_TYPE="+req.AgentType,
		"ARGUS_DEPLOY_AGENT_SUBTYPE="+req.AgentSubtype,
		"ARGUS_DEPLOY_ZONE="+req.Zone,
		"ARGUS_DEPLOY_CORE_URL="+req.CoreAPIURL,
		"ARGUS_DEPLOY_NATS_URL="+req.NATSURL,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("deploy command: %w: %s", err, out)
	}
	d.log.Info("deploy command finished", "ip", node.IPAddress, "agent_type", req.AgentType)
	return nil
}
