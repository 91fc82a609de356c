package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/licensing/internal/billingevent/domain"
	"github.com/smallbiznis/licensing/internal/clock"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"invoice.payment_failed","data":{"object":{"id":"in_1","customer":"cus_1"}}}`)
	verifier := New([]string{secret}, 0, clock.NewFakeClock(testNow))

	header := buildStripeSignatureHeader(secret, payload, testNow.Unix())
	if _, err := verifier.Verify(context.Background(), payload, header); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	cases := map[string]string{
		"wrong secret":  buildStripeSignatureHeader("wrong", payload, testNow.Unix()),
		"missing":       "",
		"malformed":     "garbage",
		"no v1":         fmt.Sprintf("t=%d", testNow.Unix()),
		"bad timestamp": "t=abc,v1=deadbeef",
		"too old":       buildStripeSignatureHeader(secret, payload, testNow.Add(-6*time.Minute).Unix()),
		"too new":       buildStripeSignatureHeader(secret, payload, testNow.Add(6*time.Minute).Unix()),
	}
	for name, h := range cases {
		if _, err := verifier.Verify(context.Background(), payload, h); !errors.Is(err, domain.ErrVerification) {
			t.Fatalf("%s: expected verification error, got %v", name, err)
		}
	}

	tampered := []byte(`{"id":"evt_123","type":"invoice.payment_failed","data":{"object":{"id":"in_2","customer":"cus_1"}}}`)
	if _, err := verifier.Verify(context.Background(), tampered, header); !errors.Is(err, domain.ErrVerification) {
		t.Fatalf("expected tampered body to be rejected, got %v", err)
	}
}

func TestVerifyAcceptsRotatedSecrets(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.payment_failed","data":{"object":{}}}`)
	verifier := New([]string{"whsec_new", "whsec_old"}, time.Minute, clock.NewFakeClock(testNow))

	header := buildStripeSignatureHeader("whsec_old", payload, testNow.Unix())
	if _, err := verifier.Verify(context.Background(), payload, header); err != nil {
		t.Fatalf("expected old secret to verify, got %v", err)
	}

	// Multiple v1 values: any match is enough.
	multi := header + ",v1=" + hex.EncodeToString([]byte("nope"))
	if _, err := verifier.Verify(context.Background(), payload, multi); err != nil {
		t.Fatalf("expected multi-signature header to verify, got %v", err)
	}
}

func TestVerifyWithoutSecretsRejects(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.payment_failed","data":{"object":{}}}`)
	verifier := New(nil, 0, clock.NewFakeClock(testNow))
	header := buildStripeSignatureHeader("", payload, testNow.Unix())
	if _, err := verifier.Verify(context.Background(), payload, header); !errors.Is(err, domain.ErrVerification) {
		t.Fatalf("expected verification error, got %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	created := testNow.Unix()
	tests := []struct {
		name    string
		payload string
		wantErr error
		want    domain.Event
	}{{
		name: "checkout completed with metadata",
		payload: fmt.Sprintf(`{"id":"evt_co","type":"checkout.session.completed","created":%d,"data":{"object":{
			"id":"cs_1","customer":"cus_1","subscription":"sub_1","client_reference_id":"fallback",
			"metadata":{"subject":"user-1"}}}}`, created),
		want: domain.Event{
			Provider: domain.ProviderStripe, EventID: "evt_co", Type: domain.EventCheckoutCompleted,
			CorrelationToken: "user-1", CustomerRef: "cus_1", SubscriptionRef: "sub_1", OccurredAt: testNow,
		},
	}, {
		name: "checkout completed falls back to client reference",
		payload: `{"id":"evt_co2","type":"checkout.session.completed","data":{"object":{
			"id":"cs_2","customer":{"id":"cus_2","object":"customer"},"subscription":{"id":"sub_2"},
			"client_reference_id":"user-2"}}}`,
		want: domain.Event{
			Provider: domain.ProviderStripe, EventID: "evt_co2", Type: domain.EventCheckoutCompleted,
			CorrelationToken: "user-2", CustomerRef: "cus_2", SubscriptionRef: "sub_2",
		},
	}, {
		name: "subscription deleted",
		payload: `{"id":"evt_del","type":"customer.subscription.deleted","data":{"object":{
			"id":"sub_1","customer":"cus_1","status":"canceled","metadata":{"correlation_token":"user-1"}}}}`,
		want: domain.Event{
			Provider: domain.ProviderStripe, EventID: "evt_del", Type: domain.EventSubscriptionDeleted,
			CorrelationToken: "user-1", CustomerRef: "cus_1", SubscriptionRef: "sub_1", Status: "canceled",
		},
	}, {
		name:    "unhandled type",
		payload: `{"id":"evt_x","type":"charge.succeeded","data":{"object":{}}}`,
		wantErr: domain.ErrEventIgnored,
	}, {
		name:    "missing id",
		payload: `{"type":"checkout.session.completed","data":{"object":{}}}`,
		wantErr: domain.ErrInvalidPayload,
	}, {
		name:    "not json",
		payload: `nope`,
		wantErr: domain.ErrInvalidPayload,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEvent([]byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if *got != tt.want {
				t.Fatalf("unexpected event:\n got %+v\nwant %+v", *got, tt.want)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	cases := []struct {
		event domain.Event
		want  bool
	}{
		{domain.Event{Type: domain.EventSubscriptionDeleted}, true},
		{domain.Event{Type: domain.EventSubscriptionUpdated, Status: "canceled"}, true},
		{domain.Event{Type: domain.EventSubscriptionUpdated, Status: "incomplete_expired"}, true},
		{domain.Event{Type: domain.EventSubscriptionUpdated, Status: "active"}, false},
		{domain.Event{Type: domain.EventCheckoutCompleted}, false},
	}
	for _, c := range cases {
		if got := c.event.Terminal(); got != c.want {
			t.Fatalf("%s/%s: expected %v, got %v", c.event.Type, c.event.Status, c.want, got)
		}
	}
}
