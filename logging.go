package reactor

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger used throughout the package.
type Logger = logiface.Logger[logiface.Event]

// defaultLogger writes JSON lines to stderr, and is used whenever no logger
// was configured, including for broken futures not bound to a reactor.
var defaultLogger = sync.OnceValue(func() *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
	).Logger()
})

// shardLogger returns a sub-logger tagging every event with the shard id.
// A nil logger stays nil, which disables logging.
func shardLogger(logger *Logger, shard int) *Logger {
	return logger.Clone().Int(`shard`, shard).Logger()
}
