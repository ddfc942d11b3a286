// Package delivery implements the artifact delivery rails: dedupe and
// ordering keys, webhook HMAC signing, evidence presign tokens, destination
// URL safety, and the deterministic retry backoff the delivery worker runs
// on. Rows are moved by the store; this package owns the pure key and
// signature math so receivers can reproduce it.
package delivery

import (
	"fmt"
	"strings"
	"time"
)

// Delivery states.
const (
	StatePending = "pending"
	StateAcked   = "acked"
	StateFailed  = "failed"
)

// Destination kinds.
const (
	DestinationWebhook = "webhook"
	DestinationS3      = "s3"
)

// Destination is one tenant-configured delivery target.
type Destination struct {
	TenantID      string `json:"tenantId"`
	DestinationID string `json:"destinationId"`
	Kind          string `json:"kind"`
	// URL is the webhook endpoint; unused for s3.
	URL string `json:"url,omitempty"`
	// Secret signs webhook bodies and ack receipts.
	Secret string `json:"secret,omitempty"`
	// Bucket/Prefix address s3 destinations.
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	// ArtifactTypes filters what this destination receives; empty = all.
	ArtifactTypes []string `json:"artifactTypes,omitempty"`
	Enabled       bool     `json:"enabled"`
}

// Accepts reports whether the destination subscribes to an artifact type.
func (d *Destination) Accepts(artifactType string) bool {
	if !d.Enabled {
		return false
	}
	if len(d.ArtifactTypes) == 0 {
		return true
	}
	for _, t := range d.ArtifactTypes {
		if t == artifactType {
			return true
		}
	}
	return false
}

// Delivery is one artifact enqueued toward one destination.
type Delivery struct {
	TenantID      string `json:"tenantId"`
	ID            string `json:"id"`
	DestinationID string `json:"destinationId"`
	ArtifactType  string `json:"artifactType"`
	ArtifactID    string `json:"artifactId"`
	ArtifactHash  string `json:"artifactHash"`
	DedupeKey     string `json:"dedupeKey"`
	ScopeKey      string `json:"scopeKey"`
	OrderSeq      int64  `json:"orderSeq"`
	Priority      int    `json:"priority"`
	OrderKey      string `json:"orderKey"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt string `json:"nextAttemptAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// Receipt records a destination's ack of a delivered artifact.
type Receipt struct {
	TenantID     string `json:"tenantId"`
	DeliveryID   string `json:"deliveryId"`
	ArtifactHash string `json:"artifactHash"`
	Signature    string `json:"signature"`
	ReceivedAt   string `json:"receivedAt"`
}

// DedupeKey builds the unique key that collapses duplicate enqueues of the
// same artifact toward the same destination.
func DedupeKey(tenantID, destinationID, artifactType, artifactID, artifactHash string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", tenantID, destinationID, artifactType, artifactID, artifactHash)
}

// OrderKey builds the sortable key deliveries are claimed in; newline
// separators keep the ordering stable because none of the parts may contain
// one.
func OrderKey(scopeKey string, orderSeq int64, priority int, artifactID string) string {
	return fmt.Sprintf("%s\n%012d\n%04d\n%s", scopeKey, orderSeq, priority, artifactID)
}

// NewDelivery builds a pending delivery with its keys derived. Scope
// defaults to the tenant when the caller passes none.
func NewDelivery(tenantID, id string, dest *Destination, artifactType, artifactID, artifactHash, scopeKey string, orderSeq int64, priority int, at time.Time) (*Delivery, error) {
	if dest == nil {
		return nil, fmt.Errorf("delivery: nil destination")
	}
	if artifactID == "" || artifactHash == "" {
		return nil, fmt.Errorf("delivery: artifact id and hash required")
	}
	if strings.ContainsAny(scopeKey, "\n") || strings.ContainsAny(artifactID, "\n") {
		return nil, fmt.Errorf("delivery: newline in key part")
	}
	if scopeKey == "" {
		scopeKey = tenantID
	}
	now := at.UTC().Format(time.RFC3339)
	return &Delivery{
		TenantID:      tenantID,
		ID:            id,
		DestinationID: dest.DestinationID,
		ArtifactType:  artifactType,
		ArtifactID:    artifactID,
		ArtifactHash:  artifactHash,
		DedupeKey:     DedupeKey(tenantID, dest.DestinationID, artifactType, artifactID, artifactHash),
		ScopeKey:      scopeKey,
		OrderSeq:      orderSeq,
		Priority:      priority,
		OrderKey:      OrderKey(scopeKey, orderSeq, priority, artifactID),
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// S3Key returns the object key an s3 destination receives the artifact at.
func S3Key(dest *Destination, d *Delivery) string {
	prefix := strings.TrimSuffix(dest.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.json", d.TenantID, d.ArtifactType, d.ArtifactID)
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", prefix, d.TenantID, d.ArtifactType, d.ArtifactID)
}
