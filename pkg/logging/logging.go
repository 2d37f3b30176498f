package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type prefixFormatter struct{}

func (f *prefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

// New returns the project logger: info level, bracket-prefixed lines.
func New() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&prefixFormatter{})
	return logger
}
