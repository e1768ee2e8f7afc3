package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// Service tags every log line emitted by this process.
const Service = "tenauth-api"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared JSON-lines logger.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits one JSON log line. The service tag and a UTC timestamp
// are filled in unless the caller already set them.
func LogRequest(entry map[string]any) {
	Logger().Println(logLine(entry))
}

func logLine(entry map[string]any) string {
	if entry == nil {
		entry = map[string]any{}
	}
	if _, ok := entry["service"]; !ok {
		entry["service"] = Service
	}
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return `{"service":"` + Service + `","level":"error","msg":"log marshal failed"}`
	}
	return string(data)
}
