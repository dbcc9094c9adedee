package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newHealthcheckCommand probes a running gateway, for container HEALTHCHECK.
func newHealthcheckCommand() *cobra.Command {
	var url, dnsName string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit non-zero unless the gateway reports ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = os.Getenv("HEALTH_HTTP_URL")
			}
			if url == "" {
				url = "http://127.0.0.1:8080/readyz"
			}
			if dnsName == "" {
				dnsName = os.Getenv("HEALTH_DNS_NAME")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := checkReady(ctx, url); err != nil {
				return err
			}
			if dnsName != "" {
				return checkDNS(ctx, dnsName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "readiness URL (HEALTH_HTTP_URL)")
	cmd.Flags().StringVar(&dnsName, "dns", "", "broker name that must resolve (HEALTH_DNS_NAME)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "overall timeout")
	return cmd
}

func checkReady(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logging.WarnWithFields(logrus.Fields{"url": url}, "Health: GET failed: %v", err)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logging.WarnWithFields(logrus.Fields{"url": url, "status": resp.StatusCode}, "Health: gateway not ready")
		return fmt.Errorf("gateway not ready: %s", resp.Status)
	}
	logging.Infof("Health: gateway ready: %s", url)
	return nil
}

// checkDNS confirms the gateway host can resolve broker names.
func checkDNS(ctx context.Context, name string) error {
	if _, err := net.DefaultResolver.LookupHost(ctx, name); err != nil {
		logging.WarnWithFields(logrus.Fields{"name": name}, "Health: DNS lookup failed: %v", err)
		return err
	}
	logging.Infof("Health: DNS lookup ok: %s", name)
	return nil
}
