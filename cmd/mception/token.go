package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/mception/mception/internal/creds"
)

// runToken mints a tunnel token for an agent. args[0] is the agent id;
// -ttl overrides the default validity and -qr additionally renders the
// enrollment payload (hub URL, agent id, token) as a terminal QR code
// for provisioning field devices.
func runToken(w io.Writer, configPath string, args []string) error {
	agentID := args[0]
	ttl := creds.DefaultTunnelTTL
	showQR := false

	for i := 1; i < len(args); i++ {
		switch {
		case args[i] == "-ttl" && i+1 < len(args):
			d, err := time.ParseDuration(args[i+1])
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid -ttl value: %q", args[i+1])
			}
			ttl = d
			i++
		case args[i] == "-qr":
			showQR = true
		default:
			return fmt.Errorf("unknown token argument: %s", args[i])
		}
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// The hub would refuse this config too; minting against it would
	// produce a token no running hub accepts.
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	issuer, err := creds.NewIssuer([]byte(cfg.Auth.TokenSecret), time.Duration(cfg.Auth.ForwardTTLSec)*time.Second)
	if err != nil {
		return err
	}

	token, err := issuer.MintTunnel(agentID, ttl)
	if err != nil {
		return fmt.Errorf("mint tunnel token: %w", err)
	}

	fmt.Fprintf(w, "Tunnel token for %s (valid %s):\n", agentID, ttl)
	fmt.Fprintln(w, token)

	if showQR {
		payload, err := json.Marshal(map[string]string{
			"hub_url":  cfg.PublicURL,
			"agent_id": agentID,
			"token":    token,
		})
		if err != nil {
			return err
		}
		qr, err := qrcode.New(string(payload), qrcode.Medium)
		if err != nil {
			return fmt.Errorf("render QR code: %w", err)
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, qr.ToSmallString(false))
	}
	return nil
}
