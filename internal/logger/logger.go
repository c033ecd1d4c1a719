package logger

import (
	"os"

	"github.com/phuslu/log"
)

// Setup configures the process-wide default logger. Development gets a
// colorized console writer; everything else logs JSON to stderr.
func Setup(environment string) {
	if environment == "development" {
		log.DefaultLogger = log.Logger{
			Level:      log.DebugLevel,
			Caller:     1,
			TimeFormat: "15:04:05.000",
			Writer: &log.ConsoleWriter{
				ColorOutput:    true,
				EndWithMessage: true,
			},
		}
		return
	}

	log.DefaultLogger = log.Logger{
		Level:  log.InfoLevel,
		Writer: log.IOWriter{Writer: os.Stderr},
	}
}
