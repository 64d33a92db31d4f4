// Basic example of the birb-flags client: bootstrap, evaluate, track.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	sdk "github.com/birbparty/birb-flags/sdk"
)

func main() {
	config := sdk.DefaultConfig().
		WithBaseURL("http://localhost:8080").
		WithAPIKey("dev-key").
		WithStorageDir("/tmp/birb-flags-example")

	client, err := sdk.NewClient(config)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	defer client.Close()

	// Seed the cache so evaluations work before the first sync
	err = client.BootstrapJSON([]byte(`{
		"new-checkout": {"key": "new-checkout", "value": true, "enabled": true, "version": 1},
		"banner-text":  {"key": "banner-text", "value": "Welcome!", "enabled": true, "version": 1}
	}`))
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Refresh(ctx); err != nil {
		log.Printf("refresh failed, serving bootstrap values: %v", err)
	}

	res := client.Evaluate("new-checkout")
	if on, ok := res.Value.Bool(); ok && on {
		fmt.Println("new checkout enabled", "reason:", res.Reason)
	}

	if text, ok := client.Evaluate("banner-text").Value.String(); ok {
		fmt.Println("banner:", text)
	}

	// Background refreshes from here on
	client.StartPolling()

	if err := client.Track("checkout-viewed", map[string]string{"variant": "new"}); err != nil {
		log.Printf("track: %v", err)
	}
	if err := client.Flush(ctx); err != nil {
		log.Printf("flush: %v", err)
	}
}
