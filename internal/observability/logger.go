package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a logger tagged with the host and component from
// the process logger installed by the logging package.
func ComponentLogger(hostURI, component string) zerolog.Logger {
	return log.Logger.With().Str("host", hostURI).Str("component", component).Logger()
}
