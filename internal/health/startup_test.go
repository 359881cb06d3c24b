// SPDX-License-Identifier: MIT

package health

import (
	"github.com/ManuGH/voiceflow/internal/config"
)

func startupConfig(dataDir, allocatorConfig string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.AllocatorConfig = allocatorConfig
	return cfg
}
