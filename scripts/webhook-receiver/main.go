// Development receiver for the service's log webhook. Prints each shipped
// entry on one line: time, level, message, then the attributes sorted by key.
//
// Usage:
//
//	go run ./scripts/webhook-receiver
//	go run ./scripts/webhook-receiver -port 9999 -token secret
//
// Then in another terminal:
//
//	LOG_WEBHOOK_URL="http://localhost:9999/logs" LOG_WEBHOOK_TOKEN=secret ./inventory-dashboard
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
)

func main() {
	port := flag.String("port", "9999", "port to listen on")
	token := flag.String("token", "", "reject requests whose Authorization header differs (empty accepts all)")
	flag.Parse()

	fmt.Printf("Webhook receiver listening on port %s...\n", *port)
	fmt.Printf("Send logs to: http://localhost:%s/logs\n", *port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if err := http.ListenAndServe(":"+*port, newReceiver(*token, os.Stdout)); err != nil {
		slog.Error("receiver stopped", "error", err)
		os.Exit(1)
	}
}

// newReceiver returns the handler that checks the token and prints entries to out
func newReceiver(token string, out io.Writer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token != "" && r.Header.Get("Authorization") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var entry map[string]any
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(out, formatEntry(entry))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"received"}`))
	})
}

// formatEntry renders {"time":..,"level":"INFO","msg":"request","status":200}
// as: 2024-01-01T00:00:00Z INFO  request status=200
func formatEntry(entry map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v %-5v %v", entry["time"], entry["level"], entry["msg"])

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "time", "level", "msg":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return b.String()
}
