// Command signwebhook signs a webhook envelope with a channel secret and
// optionally delivers it to a running server. Development helper for
// exercising the ingress without the real platform.
package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"talkrelay/pkg/webhook"
)

func main() {
	if len(os.Args) != 3 && len(os.Args) != 4 {
		fmt.Fprintf(os.Stderr, "usage: %s <envelope.json> <channel-secret> [server-url]\n", os.Args[0])
		os.Exit(2)
	}

	body, err := os.ReadFile(os.Args[1])
	if err != nil {
		exitErr(fmt.Errorf("read envelope: %w", err))
	}
	secret := os.Args[2]

	if _, err := webhook.DecodeEnvelope(body); err != nil {
		exitErr(fmt.Errorf("envelope invalid: %w", err))
	}
	signature := webhook.Sign(body, secret)

	if len(os.Args) == 3 {
		fmt.Println(signature)
		return
	}

	status, respBody, err := deliver(os.Args[3], body, signature)
	if err != nil {
		exitErr(err)
	}
	fmt.Printf("%d %s\n", status, respBody)
	if status >= 400 {
		os.Exit(1)
	}
}

func deliver(url string, body []byte, signature string) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, url+"/webhook", bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Channel-Signature", signature)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(bytes.TrimSpace(respBody)), nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
