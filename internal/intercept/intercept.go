// Package intercept runs the policies that may hold a connection attempt
// back and propose a safer configuration.
package intercept

import (
	"context"

	"github.com/vpncore/vpncore/internal/instrument"
	"github.com/vpncore/vpncore/internal/model"
)

// Result is the answer of a [Policy]. The zero value allows the connection.
type Result struct {
	// Intercept is true when the connection must not proceed as is.
	Intercept bool

	// Policy is the name of the intercepting policy.
	Policy string

	// NewProtocol is the protocol to use when reconnecting.
	NewProtocol model.ConnectionProtocol

	// DisableWireGuard removes WireGuard from the smart protocols.
	DisableWireGuard bool

	// EnableKillSwitch turns the kill switch on.
	EnableKillSwitch bool
}

// Allow is the result letting the connection proceed.
var Allow = Result{}

// Policy decides whether to intercept a connection attempt.
type Policy interface {
	// Name identifies the policy in logs and metrics.
	Name() string

	// ShouldIntercept may block, e.g. waiting for the user to choose.
	ShouldIntercept(ctx context.Context, protocol model.ConnectionProtocol, killSwitch bool) (Result, error)
}

// Chain runs policies in order. The zero value is invalid; use [NewChain].
type Chain struct {
	policies []Policy
	logger   model.Logger
}

// NewChain creates a [Chain] consulting policies in order.
func NewChain(logger model.Logger, policies ...Policy) *Chain {
	return &Chain{policies: policies, logger: logger}
}

// Run consults every policy in order and returns the first intercept. A
// failing policy is logged and treated as allowing the connection. The
// only error returned is the context error.
func (c *Chain) Run(ctx context.Context, protocol model.ConnectionProtocol, killSwitch bool) (Result, error) {
	for _, policy := range c.policies {
		if err := ctx.Err(); err != nil {
			return Allow, err
		}
		result, err := policy.ShouldIntercept(ctx, protocol, killSwitch)
		if err != nil {
			c.logger.Warnf("intercept: %s: %s", policy.Name(), err.Error())
			continue
		}
		if result.Intercept {
			result.Policy = policy.Name()
			c.logger.Infof("intercept: %s: intercepted %s", policy.Name(), protocol)
			instrument.Intercept(policy.Name())
			return result, nil
		}
	}
	return Allow, ctx.Err()
}
