// walletrank-submit publishes a wallet activity batch onto the input
// channel and prints the correlation ID its outcome will carry.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chainrep/walletrank/pkg/outcome"
)

func main() {
	var (
		file    = flag.String("file", "-", "batch JSON file, or - for stdin")
		subject = flag.String("subject", "wallet-transactions", "input subject")
	)
	flag.Parse()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	payload, err := readPayload(*file)
	if err != nil {
		log.Fatalf("Failed to read payload: %v", err)
	}
	if !json.Valid(payload) {
		log.Fatalf("Payload is not valid JSON")
	}

	nc, err := nats.Connect(natsURL, nats.Timeout(10*time.Second))
	if err != nil {
		log.Fatalf("Error connecting to NATS at %s: %v", natsURL, err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		log.Fatalf("Failed to get JetStream context: %v", err)
	}

	// The content hash doubles as the message ID, so resubmitting the
	// same file is absorbed by the stream's duplicate window.
	id := outcome.ContentID(payload)

	ack, err := js.Publish(*subject, payload, nats.MsgId(id))
	if err != nil {
		log.Fatalf("Failed to publish to %s: %v", *subject, err)
	}
	if ack.Duplicate {
		log.Printf("Stream already holds this payload (stream %s, seq %d)", ack.Stream, ack.Sequence)
	} else {
		log.Printf("Published to %s (stream %s, seq %d)", *subject, ack.Stream, ack.Sequence)
	}

	fmt.Println(id)
}

func readPayload(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}
