//go:build ignore

// smoke-peering.go exercises a running ActingWeb server end to end:
// it creates two actors, establishes a reciprocal trust between them,
// subscribes one to the other's properties, mutates a property, and
// verifies the diff flowed through to the subscriber.
//
// Run with: go run scripts/smoke-peering.go [server-url]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/actingweb/actingweb-go/pkg/client"
)

func main() {
	server := "http://localhost:8080"
	if len(os.Args) > 1 {
		server = os.Args[1]
	}
	if err := run(server); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("PASS")
}

func run(server string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	anon, err := client.New(server)
	if err != nil {
		return err
	}

	alice, err := anon.CreateActor(ctx, "alice@example.com")
	if err != nil {
		return fmt.Errorf("create alice: %w", err)
	}
	bob, err := anon.CreateActor(ctx, "bob@example.com")
	if err != nil {
		return fmt.Errorf("create bob: %w", err)
	}
	fmt.Printf("actors: alice=%s bob=%s\n", alice.ID, bob.ID)

	aliceC, _ := client.New(server, client.WithCredentials(alice.Creator, alice.Passphrase))
	bobC, _ := client.New(server, client.WithCredentials(bob.Creator, bob.Passphrase))

	// Alice asks Bob for a friend relationship; Bob's owner approves.
	t, err := aliceC.InitiateTrust(ctx, alice.ID, bob.BaseURI, "friend", "smoke test")
	if err != nil {
		return fmt.Errorf("initiate trust: %w", err)
	}
	if !t.PeerApproved {
		if _, err := bobC.ApproveTrust(ctx, bob.ID, "friend", alice.ID); err != nil {
			return fmt.Errorf("approve trust: %w", err)
		}
	}
	fmt.Println("trust established")

	// The friend tier grants read and subscribe on everything except
	// underscore-prefixed names, so no permission override is needed.
	sub, err := aliceC.Subscribe(ctx, alice.ID, &client.SubscribeRequest{
		PeerID:      bob.ID,
		Target:      "properties",
		Granularity: "high",
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	fmt.Printf("subscription: %s\n", sub.SubscriptionID)

	if err := bobC.SetProperty(ctx, bob.ID, "status", json.RawMessage(`"online"`)); err != nil {
		return fmt.Errorf("set property: %w", err)
	}

	// The push is asynchronous; poll until the subscriber's sequence moves.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		subs, err := aliceC.ListSubscriptions(ctx, alice.ID)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		for _, s := range subs {
			if s.SubscriptionID == sub.SubscriptionID && s.Sequence >= 1 {
				fmt.Printf("diff delivered, sequence=%d\n", s.Sequence)
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("diff never reached the subscriber")
}
