package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

// Log emits one JSON line to stdout with ts and event merged into kv.
// Callers pass lowercase snake_case event names.
func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}
