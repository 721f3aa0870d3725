package main

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/bhandras/devicelink/internal/storage"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func newPairCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Show a pairing QR code for this device",
		Long:  "Prints a QR code holding the controller URL and this device's id so an operator can register the device.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			deviceID, err := storage.GetOrCreateDeviceID(cfg.Home)
			if err != nil {
				return err
			}
			link, err := pairingURL(cfg.Controller.URL, deviceID)
			if err != nil {
				return err
			}

			code, err := qrcode.New(link, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("render pairing code: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, code.ToSmallString(false))
			fmt.Fprintf(out, "Device: %s\n", deviceID)
			fmt.Fprintf(out, "URL:    %s\n", link)
			return nil
		},
	}
}

// pairingURL appends the device id to the controller URL.
func pairingURL(controller, deviceID string) (string, error) {
	if controller == "" {
		return "", errors.New("controller url is not configured")
	}
	u, err := url.Parse(controller)
	if err != nil {
		return "", fmt.Errorf("invalid controller url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid controller url %q", controller)
	}
	q := u.Query()
	q.Set("device", deviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
