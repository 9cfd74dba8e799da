package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kuuji/ironveil/internal/config"
)

func TestGenkeyPubkeyPipeline(t *testing.T) {
	var keyOut bytes.Buffer
	genkeyCmd.SetOut(&keyOut)
	if err := genkeyCmd.RunE(genkeyCmd, nil); err != nil {
		t.Fatalf("genkey: %v", err)
	}

	privText := strings.TrimSpace(keyOut.String())
	priv, err := config.ParseKey(privText)
	if err != nil {
		t.Fatalf("genkey output is not a key: %v (%q)", err, privText)
	}

	var pubOut bytes.Buffer
	pubkeyCmd.SetIn(strings.NewReader(privText + "\n"))
	pubkeyCmd.SetOut(&pubOut)
	if err := pubkeyCmd.RunE(pubkeyCmd, nil); err != nil {
		t.Fatalf("pubkey: %v", err)
	}

	pub, err := config.ParseKey(strings.TrimSpace(pubOut.String()))
	if err != nil {
		t.Fatalf("pubkey output is not a key: %v", err)
	}
	if pub != priv.Public() {
		t.Error("pubkey output does not match the private key's public key")
	}
}

func TestPubkeyRejectsGarbage(t *testing.T) {
	pubkeyCmd.SetIn(strings.NewReader("not a key\n"))
	pubkeyCmd.SetOut(new(bytes.Buffer))
	if err := pubkeyCmd.RunE(pubkeyCmd, nil); err == nil {
		t.Fatal("pubkey accepted garbage input")
	}
}
