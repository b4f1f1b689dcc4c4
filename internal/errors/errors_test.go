package errors

import (
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := fmt.Errorf("rpc: connection reset")
	err := fmt.Errorf("查询余额: %w", Wrap(CodeChainFailure, cause, "读取金库余额失败"))

	if CodeOf(err) != CodeChainFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !HasCode(err, CodeChainFailure) {
		t.Fatalf("expected HasCode to match chain failure")
	}
	if HasCode(err, CodeSubmissionFailed) {
		t.Fatalf("unexpected match on submission failure")
	}
	if !RetryableError(err) {
		t.Fatalf("chain failures should be retryable by default")
	}
}

func TestOptionsOverrideRegisteredAttributes(t *testing.T) {
	err := New(CodeSubmissionFailed, "", WithRetryable(true), WithSeverity(SeverityInfo), WithMetadata("escrow", "0xabc"))

	if err.Message() != AttributesOf(CodeSubmissionFailed).Message {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !err.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	if err.Metadata()["escrow"] != "0xabc" {
		t.Fatalf("unexpected metadata: %+v", err.Metadata())
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf(Code("NOT_REGISTERED"))
	if attr.Severity != SeverityCritical || !attr.Alert {
		t.Fatalf("unexpected fallback attributes: %+v", attr)
	}
	if RetryableError(fmt.Errorf("plain")) {
		t.Fatalf("plain errors are never retryable")
	}
}
