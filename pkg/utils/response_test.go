package utils

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondErrorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondErrorCode(rec, http.StatusConflict, "state", "pending")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "state" || body.Error != "pending" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Content string `json:"content"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"hi"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dst); err != nil {
		t.Fatalf("DecodeJSON err: %v", err)
	}
	if dst.Content != "hi" {
		t.Fatalf("unexpected content %q", dst.Content)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"a"}{"content":"b"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dst); err == nil {
		t.Fatal("expected error for trailing object")
	}

	big := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(append(append([]byte(`{"content":"`), big...), '"', '}')))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dst); err == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := SendSSEEvent(rec, rec, "c1", "message", map[string]string{"content": "hi"}); err != nil {
		t.Fatalf("SendSSEEvent err: %v", err)
	}

	want := "id: c1\nevent: message\ndata: {\"content\":\"hi\"}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected frame %q", got)
	}
	if !rec.Flushed {
		t.Fatal("expected flush")
	}
}
