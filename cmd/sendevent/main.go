// Command sendevent posts a signed billing event to the webhook endpoint,
// for local testing of ingestion, dedup and recovery.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"payment-recovery/api/middleware"
	"payment-recovery/internal/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	maxRetries    = 3
	retryInterval = 2 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	url := flag.String("url", envOr("WEBHOOK_URL", "http://localhost:8080/webhooks/billing"), "webhook endpoint")
	eventType := flag.String("type", "invoice.payment_failed", "event type")
	sourceID := flag.String("id", "", "source event id (random when empty)")
	customer := flag.String("customer", "cus_local", "customer id")
	subscription := flag.String("subscription", "sub_local", "subscription id")
	invoice := flag.String("invoice", "", "invoice id")
	payload := flag.String("payload", `{"amount":5000,"currency":"usd","failure_code":"insufficient_funds"}`, "raw JSON payload")
	repeat := flag.Int("repeat", 1, "deliveries of the same event")
	flag.Parse()

	secret := firstSecret(os.Getenv("WEBHOOK_SIGNING_SECRETS"))
	if secret == "" {
		log.Fatal("WEBHOOK_SIGNING_SECRETS is required")
	}
	if *sourceID == "" {
		*sourceID = "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	env := models.Envelope{
		SourceEventID: *sourceID,
		EventType:     *eventType,
		References: models.EntityReferences{
			CustomerID:     *customer,
			SubscriptionID: *subscription,
			InvoiceID:      *invoice,
		},
		Payload:   json.RawMessage(*payload),
		CreatedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Fatalf("Invalid event: %v", err)
	}

	for i := 0; i < *repeat; i++ {
		status, resp, err := send(*url, secret, body)
		if err != nil {
			log.Fatalf("Delivery %d failed: %v", i+1, err)
		}
		fmt.Printf("delivery %d: %d %s\n", i+1, status, resp)
	}
}

// send posts body, retrying only on transport and 5xx errors.
func send(url, secret string, body []byte) (int, string, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			log.Printf("Retrying request (attempt %d/%d)", i+1, maxRetries)
			time.Sleep(retryInterval)
		}

		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Billing-Signature", middleware.Sign(secret, time.Now(), body))

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %s", resp.Status)
			continue
		}
		return resp.StatusCode, string(respBody), nil
	}
	return 0, "", fmt.Errorf("request failed after %d attempts: %w", maxRetries, lastErr)
}

func firstSecret(list string) string {
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
