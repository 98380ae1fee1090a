// Package model implements the discrete-action policy network and the scalar value network
// used by the PPO learner, built on top of GoMLX's context/graph/optimizer machinery.
package model

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
)

// backend is a singleton shared by every Policy and Value network in the process, mirroring
// how a single accelerator device is shared across collectors and the learner.
var backend = sync.OnceValue(func() backends.Backend { return backends.New() })

// Backend returns the process-wide GoMLX backend, creating it on first use.
func Backend() backends.Backend { return backend() }
