// E2E test: drives two sync clients through a live canvas-sync server and
// verifies diff fan-out and presence.
//
// First generate a keypair and start the server with the printed pubkey:
//
//	go run ./cmd/e2etest -genkey
//	SYNC_SESSION_PUBKEY=<pub> go run .
//	go run ./cmd/e2etest -server http://localhost:8443 -privkey <priv>
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/inkwell/canvas-sync/client"
)

var (
	serverURL  = flag.String("server", "http://localhost:8443", "sync server origin")
	roomID     = flag.String("room", "e2e-test-room", "room id")
	privKeyB64 = flag.String("privkey", "", "base64 session signing key")
	genKey     = flag.Bool("genkey", false, "generate a session keypair and exit")
)

var jwtHeaderB64 = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))

type claims struct {
	UserID    string `json:"sub"`
	UserName  string `json:"name"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

func signToken(c *claims, key ed25519.PrivateKey) string {
	payload, _ := json.Marshal(c)
	signingInput := jwtHeaderB64 + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig := ed25519.Sign(key, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	if *genKey {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			log.Fatal("keygen:", err)
		}
		fmt.Println("SYNC_SESSION_PUBKEY =", base64.RawURLEncoding.EncodeToString(pub))
		fmt.Println("-privkey            =", base64.RawURLEncoding.EncodeToString(priv))
		return
	}
	if *privKeyB64 == "" {
		log.Fatal("missing -privkey (run with -genkey first)")
	}
	privKey, err := base64.RawURLEncoding.DecodeString(*privKeyB64)
	if err != nil || len(privKey) != ed25519.PrivateKeySize {
		log.Fatal("invalid -privkey")
	}

	token := func(userID, name string) string {
		return signToken(&claims{
			UserID:    userID,
			UserName:  name,
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		}, ed25519.PrivateKey(privKey))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gotDiff := make(chan client.DiffEvent, 1)
	gotPresence := make(chan []client.PresenceEntry, 4)

	log.Println(">> Connecting alice...")
	alice := client.New(client.Config{
		BaseURL: *serverURL,
		RoomID:  *roomID,
		Token:   token("e2e-alice", "Alice"),
	}, client.Handlers{
		OnDiff:     func(ev client.DiffEvent) { gotDiff <- ev },
		OnPresence: func(entries []client.PresenceEntry) { gotPresence <- entries },
	})
	if err := alice.Connect(ctx); err != nil {
		log.Fatal("alice connect:", err)
	}
	defer alice.Disconnect()
	log.Println("   Alice connected ✓")

	log.Println(">> Connecting bob...")
	bob := client.New(client.Config{
		BaseURL: *serverURL,
		RoomID:  *roomID,
		Token:   token("e2e-bob", "Bob"),
	}, client.Handlers{})
	if err := bob.Connect(ctx); err != nil {
		log.Fatal("bob connect:", err)
	}
	defer bob.Disconnect()
	log.Println("   Bob connected ✓")

	log.Println(">> Waiting for presence roster with both users...")
	waitRoster(gotPresence, 2)
	log.Println("   Roster complete ✓")

	log.Println(">> Bob sending a diff...")
	shape, _ := json.Marshal(map[string]any{"type": "rect", "x": 10, "y": 20})
	err = bob.SendDiff(ctx, client.Diff{
		Added: map[string]json.RawMessage{"shape-1": shape},
	})
	if err != nil {
		log.Fatal("bob send:", err)
	}

	select {
	case ev := <-gotDiff:
		if ev.UserID != "e2e-bob" {
			log.Fatalf("diff attributed to %q, want e2e-bob", ev.UserID)
		}
		if _, ok := ev.Diff.Added["shape-1"]; !ok {
			log.Fatal("diff missing shape-1")
		}
		log.Println("   Alice received bob's diff ✓")
	case <-time.After(5 * time.Second):
		log.Fatal("alice did not receive bob's diff")
	}

	log.Println("ALL TESTS PASSED")
	os.Exit(0)
}

func waitRoster(ch chan []client.PresenceEntry, want int) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case entries := <-ch:
			if len(entries) >= want {
				return
			}
		case <-deadline:
			log.Fatalf("roster never reached %d users", want)
		}
	}
}
