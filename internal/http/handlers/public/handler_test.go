package public

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/payment-orchestrator/internal/config"
	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/payment"
	"github.com/payment-orchestrator/internal/payment/sandbox"
	"github.com/payment-orchestrator/internal/provider"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testWebhookSecret = "sandbox-test-secret"

type apiEnvelope struct {
	StatusCode int             `json:"status_code"`
	Msg        string          `json:"msg"`
	Data       json.RawMessage `json:"data"`
}

type errorData struct {
	ErrorCode string                 `json:"error_code"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details"`
}

type publicTestEnv struct {
	engine  *gin.Engine
	handler *Handler
	sandbox *sandbox.Client
	cfg     *config.Config
}

func setupPublicHandlerTest(t *testing.T, mutate func(cfg *config.Config)) *publicTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:public_handler_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}

	sbx, err := sandbox.New(sandbox.Config{WebhookSecret: testWebhookSecret, NativeIdempotency: true})
	if err != nil {
		t.Fatalf("sandbox init failed: %v", err)
	}
	cfg := &config.Config{}
	cfg.Concurrency.OCCMaxRetries = 5
	cfg.Concurrency.OCCBackoffMillis = 1
	cfg.API.LegacyV1Enabled = true
	cfg.API.LegacySunset = "Wed, 31 Dec 2026 23:59:59 GMT"
	if mutate != nil {
		mutate(cfg)
	}
	container, err := provider.Build(cfg, db, nil, payment.NewRegistry(sbx))
	if err != nil {
		t.Fatalf("build container failed: %v", err)
	}
	t.Cleanup(container.Close)

	h := New(container)
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
	r.GET("/health/info", h.Info)
	r.POST("/webhooks/:provider", h.ProviderWebhook)
	v2 := r.Group("/api/v2")
	v2.POST("/payments", h.CreatePayment)
	v2.GET("/payments/:id", h.GetPayment)
	v2.POST("/payments/:id/capture", h.CapturePayment)
	v2.POST("/payments/:id/cancel", h.CancelPayment)
	v2.POST("/payments/:id/refunds", h.CreateRefund)
	v2.GET("/payments/:id/refunds", h.ListPaymentRefunds)
	v2.POST("/refunds", h.CreateRefund)
	v2.GET("/refunds", h.ListRefunds)
	v2.GET("/refunds/:id", h.GetRefund)
	v2.POST("/refunds/:id/cancel", h.CancelRefund)
	v1 := r.Group("/api/v1", h.LegacyGate())
	v1.POST("/payments", h.LegacyCreatePayment)
	v1.GET("/payments/:id", h.LegacyGetPayment)
	v1.POST("/payments/:id/refund", h.LegacyRefundPayment)
	v1.POST("/refunds", h.LegacyCreateRefund)
	v1.GET("/refunds", h.LegacyListRefunds)
	v1.GET("/refunds/:id", h.LegacyGetRefund)

	return &publicTestEnv{engine: r, handler: h, sandbox: sbx, cfg: cfg}
}

func (e *publicTestEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, apiEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body failed: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var env apiEnvelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response failed: %v body=%s", err, w.Body.String())
		}
	}
	return w, env
}

func decodeData(t *testing.T, env apiEnvelope, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dest); err != nil {
		t.Fatalf("decode data failed: %v data=%s", err, string(env.Data))
	}
}

func (e *publicTestEnv) createPayment(t *testing.T, key string, amount int64) models.Payment {
	t.Helper()
	w, env := e.do(t, http.MethodPost, "/api/v2/payments", gin.H{
		"provider":             constants.ProviderSandbox,
		"amount":               amount,
		"currency":             "usd",
		"payment_method_token": "tok_visa",
	}, map[string]string{"Idempotency-Key": key})
	if w.Code != http.StatusCreated {
		t.Fatalf("create payment status=%d body=%s", w.Code, w.Body.String())
	}
	var p models.Payment
	decodeData(t, env, &p)
	return p
}

func TestCreatePaymentReplayReturnsSamePayment(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)

	first := env.createPayment(t, "order-1", 1500)
	second := env.createPayment(t, "order-1", 1500)
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("replay should return the same payment: %s vs %s", first.ID, second.ID)
	}
	if first.State != constants.PaymentStateAuthorized || first.Currency != "USD" {
		t.Fatalf("unexpected payment: %+v", first)
	}
	if calls := env.sandbox.Calls(sandbox.OpCreate); calls != 1 {
		t.Fatalf("expected one provider call, got %d", calls)
	}
}

func TestCreatePaymentErrorsCarryStableCode(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)

	w, resp := env.do(t, http.MethodPost, "/api/v2/payments", gin.H{
		"provider": constants.ProviderSandbox, "amount": 100, "currency": "USD",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing key should be 400, got %d", w.Code)
	}
	var missing errorData
	decodeData(t, resp, &missing)
	if missing.ErrorCode != "IDEMPOTENCY_KEY_REQUIRED" || missing.Retryable {
		t.Fatalf("unexpected error body: %+v", missing)
	}

	env.createPayment(t, "reuse", 100)
	w, resp = env.do(t, http.MethodPost, "/api/v2/payments", gin.H{
		"provider": constants.ProviderSandbox, "amount": 200, "currency": "USD", "payment_method_token": "tok_visa",
	}, map[string]string{"Idempotency-Key": "reuse"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("key reuse should be 422, got %d body=%s", w.Code, w.Body.String())
	}
	var conflict errorData
	decodeData(t, resp, &conflict)
	if conflict.ErrorCode != "IDEMPOTENCY_KEY_CONFLICT" {
		t.Fatalf("unexpected error code: %s", conflict.ErrorCode)
	}

	w, resp = env.do(t, http.MethodPost, "/api/v2/payments", gin.H{
		"provider": constants.ProviderSandbox, "amount": 200, "currency": "USD", "payment_method_token": sandbox.TokenUnavailable,
	}, map[string]string{"Idempotency-Key": "flaky"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("provider outage should be 503, got %d", w.Code)
	}
	var outage errorData
	decodeData(t, resp, &outage)
	if outage.ErrorCode != "PROVIDER_UNAVAILABLE" || !outage.Retryable {
		t.Fatalf("outage should be retryable: %+v", outage)
	}
}

func TestCaptureRefundLifecycleOverHTTP(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)
	p := env.createPayment(t, "life-1", 1000)

	w, resp := env.do(t, http.MethodPost, "/api/v2/payments/"+p.ID+"/capture", nil, map[string]string{"Idempotency-Key": "life-1-cap"})
	if w.Code != http.StatusOK {
		t.Fatalf("capture status=%d body=%s", w.Code, w.Body.String())
	}
	var captured models.Payment
	decodeData(t, resp, &captured)
	if captured.State != constants.PaymentStateCaptured || captured.CapturedAmount != 1000 {
		t.Fatalf("unexpected capture result: %+v", captured)
	}

	w, resp = env.do(t, http.MethodPost, "/api/v2/payments/"+p.ID+"/refunds", gin.H{"amount": 400, "reason": "duplicate"}, map[string]string{"Idempotency-Key": "life-1-r1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("refund status=%d body=%s", w.Code, w.Body.String())
	}
	var refund models.Refund
	decodeData(t, resp, &refund)
	if refund.State != constants.RefundStateSucceeded || refund.Amount != 400 {
		t.Fatalf("unexpected refund: %+v", refund)
	}

	w, resp = env.do(t, http.MethodPost, "/api/v2/refunds", gin.H{"payment_id": p.ID, "amount": 700}, map[string]string{"Idempotency-Key": "life-1-r2"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("over-refund should be 400, got %d", w.Code)
	}
	var exceeded errorData
	decodeData(t, resp, &exceeded)
	if exceeded.ErrorCode != "REFUND_AMOUNT_EXCEEDED" {
		t.Fatalf("unexpected error code: %s", exceeded.ErrorCode)
	}

	w, resp = env.do(t, http.MethodGet, "/api/v2/payments/"+p.ID+"/refunds", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list refunds status=%d", w.Code)
	}
	var refunds []models.Refund
	decodeData(t, resp, &refunds)
	if len(refunds) != 1 || refunds[0].ID != refund.ID {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}

	w, resp = env.do(t, http.MethodGet, "/api/v2/refunds/"+refund.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get refund status=%d", w.Code)
	}

	w, resp = env.do(t, http.MethodGet, "/api/v2/payments/"+p.ID, nil, nil)
	var current models.Payment
	decodeData(t, resp, &current)
	if current.State != constants.PaymentStatePartiallyRefunded || current.RefundedAmount != 400 {
		t.Fatalf("unexpected payment after refund: %+v", current)
	}
}

func TestListAndCancelRefundsOverHTTP(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)
	p := env.createPayment(t, "list-1", 1000)
	if w, _ := env.do(t, http.MethodPost, "/api/v2/payments/"+p.ID+"/capture", nil, map[string]string{"Idempotency-Key": "list-1-cap"}); w.Code != http.StatusOK {
		t.Fatalf("capture status=%d body=%s", w.Code, w.Body.String())
	}
	other := env.createPayment(t, "list-2", 500)
	if w, _ := env.do(t, http.MethodPost, "/api/v2/payments/"+other.ID+"/capture", nil, map[string]string{"Idempotency-Key": "list-2-cap"}); w.Code != http.StatusOK {
		t.Fatalf("capture status=%d body=%s", w.Code, w.Body.String())
	}

	w, resp := env.do(t, http.MethodPost, "/api/v2/refunds", gin.H{"payment_id": p.ID, "amount": 200}, map[string]string{"Idempotency-Key": "list-1-r1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("refund status=%d body=%s", w.Code, w.Body.String())
	}
	var settled models.Refund
	decodeData(t, resp, &settled)
	if w, _ := env.do(t, http.MethodPost, "/api/v2/refunds", gin.H{"payment_id": other.ID, "amount": 100}, map[string]string{"Idempotency-Key": "list-2-r1"}); w.Code != http.StatusCreated {
		t.Fatalf("refund status=%d body=%s", w.Code, w.Body.String())
	}
	env.sandbox.FailNext(sandbox.OpRefund, payment.NewError(payment.ErrProviderUnavailable, constants.ProviderSandbox, "timeout", "timed out", 0, nil))
	w, resp = env.do(t, http.MethodPost, "/api/v2/refunds", gin.H{"payment_id": p.ID, "amount": 300}, map[string]string{"Idempotency-Key": "list-1-r2"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("provider timeout should be 503, got %d body=%s", w.Code, w.Body.String())
	}
	var unavailable errorData
	decodeData(t, resp, &unavailable)
	pendingID, _ := unavailable.Details["refund_id"].(string)
	if pendingID == "" {
		t.Fatalf("error should carry the pending refund id: %+v", unavailable)
	}

	w, resp = env.do(t, http.MethodGet, "/api/v2/refunds?payment_id="+p.ID+"&limit=1&offset=0", nil, nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Total-Count") != "2" {
		t.Fatalf("list status=%d total=%q", w.Code, w.Header().Get("X-Total-Count"))
	}
	var page []models.Refund
	decodeData(t, resp, &page)
	if len(page) != 1 || page[0].PaymentID != p.ID {
		t.Fatalf("unexpected page: %+v", page)
	}
	w, _ = env.do(t, http.MethodGet, "/api/v2/refunds", nil, nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Total-Count") != "3" {
		t.Fatalf("unfiltered list status=%d total=%q", w.Code, w.Header().Get("X-Total-Count"))
	}
	w, _ = env.do(t, http.MethodGet, "/api/v2/refunds?limit=abc", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should be 400, got %d", w.Code)
	}

	w, resp = env.do(t, http.MethodPost, "/api/v2/refunds/"+pendingID+"/cancel", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", w.Code, w.Body.String())
	}
	var canceled models.Refund
	decodeData(t, resp, &canceled)
	if canceled.State != constants.RefundStateCanceled {
		t.Fatalf("refund should be canceled: %+v", canceled)
	}
	w, resp = env.do(t, http.MethodGet, "/api/v2/payments/"+p.ID, nil, nil)
	var current models.Payment
	decodeData(t, resp, &current)
	if current.RefundReservedAmount != 0 || current.RefundableAmount() != 800 {
		t.Fatalf("cancel should release the reservation: %+v", current)
	}

	w, resp = env.do(t, http.MethodPost, "/api/v2/refunds/"+settled.ID+"/cancel", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel of a settled refund should be 409, got %d", w.Code)
	}
	var body errorData
	decodeData(t, resp, &body)
	if body.ErrorCode != "INVALID_STATE_TRANSITION" || body.Details["refund_id"] != settled.ID {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestRefundPathAndBodyMismatchIsRejected(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)
	p := env.createPayment(t, "mismatch", 500)

	w, resp := env.do(t, http.MethodPost, "/api/v2/payments/"+p.ID+"/refunds", gin.H{"payment_id": "pay_other", "amount": 10}, map[string]string{"Idempotency-Key": "m-r1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body errorData
	decodeData(t, resp, &body)
	if body.ErrorCode != "VALIDATION_ERROR" || body.Details["field"] != "payment_id" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestCancelThenCaptureIsInvalidTransition(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)
	p := env.createPayment(t, "cancel-1", 800)

	w, _ := env.do(t, http.MethodPost, "/api/v2/payments/"+p.ID+"/cancel", nil, map[string]string{"Idempotency-Key": "cancel-1-c"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", w.Code, w.Body.String())
	}
	w, resp := env.do(t, http.MethodPost, "/api/v2/payments/"+p.ID+"/capture", nil, map[string]string{"Idempotency-Key": "cancel-1-cap"})
	if w.Code != http.StatusConflict {
		t.Fatalf("capture after cancel should be 409, got %d", w.Code)
	}
	var body errorData
	decodeData(t, resp, &body)
	if body.ErrorCode != "INVALID_STATE_TRANSITION" || body.Details["current_state"] != constants.PaymentStateCanceled {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)
	w, resp := env.do(t, http.MethodGet, "/api/v2/payments/pay_missing", nil, map[string]string{"X-Request-ID": "ignored-without-middleware"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body errorData
	decodeData(t, resp, &body)
	if body.ErrorCode != "PAYMENT_NOT_FOUND" || body.Details["payment_id"] != "pay_missing" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestWebhookSignatureAndUnknownReference(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)

	body, headers, err := env.sandbox.SignedRequest(sandbox.WebhookPayload{
		ID:   "evt_unknown_ref",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: "sbx_pi_missing", Amount: 100, Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("sign payload failed: %v", err)
	}

	forged := map[string]string{sandbox.SignatureHeader: "t=1,v1=deadbeef"}
	w, resp := env.do(t, http.MethodPost, "/webhooks/sandbox", body, forged)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad signature should be 400, got %d", w.Code)
	}
	var sig errorData
	decodeData(t, resp, &sig)
	if sig.ErrorCode != "WEBHOOK_SIGNATURE_INVALID" {
		t.Fatalf("unexpected error code: %s", sig.ErrorCode)
	}

	w, resp = env.do(t, http.MethodPost, "/webhooks/sandbox", body, map[string]string{sandbox.SignatureHeader: headers.Get(sandbox.SignatureHeader)})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("unknown reference should ask the provider to retry, got %d", w.Code)
	}
	var integrity errorData
	decodeData(t, resp, &integrity)
	if integrity.ErrorCode != "INTEGRITY_VIOLATION" {
		t.Fatalf("unexpected error code: %s", integrity.ErrorCode)
	}
}

func TestWebhookCaptureIsAcknowledged(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)
	p := env.createPayment(t, "hook-1", 900)

	body, headers, err := env.sandbox.SignedRequest(sandbox.WebhookPayload{
		ID:   "evt_capture_1",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: p.ProviderRef(), Amount: 900, Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("sign payload failed: %v", err)
	}
	sigHeader := map[string]string{sandbox.SignatureHeader: headers.Get(sandbox.SignatureHeader)}

	for i, want := range []string{"processed", "duplicate"} {
		w, resp := env.do(t, http.MethodPost, "/webhooks/sandbox", body, sigHeader)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d status=%d body=%s", i, w.Code, w.Body.String())
		}
		var result struct {
			Outcome   string `json:"outcome"`
			PaymentID string `json:"payment_id"`
		}
		decodeData(t, resp, &result)
		if result.Outcome != want {
			t.Fatalf("delivery %d outcome=%s want %s", i, result.Outcome, want)
		}
	}

	_, resp := env.do(t, http.MethodGet, "/api/v2/payments/"+p.ID, nil, nil)
	var current models.Payment
	decodeData(t, resp, &current)
	if current.State != constants.PaymentStateCaptured {
		t.Fatalf("expected CAPTURED, got %s", current.State)
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	env := setupPublicHandlerTest(t, func(cfg *config.Config) { cfg.Webhook.MaxBodyBytes = 16 })
	w, _ := env.do(t, http.MethodPost, "/webhooks/sandbox", []byte(strings.Repeat("x", 64)), nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestLegacyCreateDerivesKeyFromOrderReference(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)
	req := gin.H{
		"amount":               2500,
		"currency_code":        "eur",
		"user_id":              "user_1",
		"order_reference":      "ORD-1",
		"provider":             constants.ProviderSandbox,
		"payment_method_token": "tok_visa",
	}

	w, resp := env.do(t, http.MethodPost, "/api/v1/payments", req, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("legacy create status=%d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("Deprecation") != "true" || w.Header().Get("Sunset") == "" || w.Header().Get("Link") == "" {
		t.Fatalf("missing deprecation headers: %v", w.Header())
	}
	var first LegacyPaymentResponse
	decodeData(t, resp, &first)
	if first.StatusCode != "AUTHORIZED" || first.CurrencyCode != "EUR" || first.UserID != "user_1" || first.TransactionReference == "" {
		t.Fatalf("unexpected legacy payment: %+v", first)
	}

	_, resp = env.do(t, http.MethodPost, "/api/v1/payments", req, nil)
	var second LegacyPaymentResponse
	decodeData(t, resp, &second)
	if second.PaymentID != first.PaymentID {
		t.Fatalf("same order reference should replay: %s vs %s", second.PaymentID, first.PaymentID)
	}
}

func TestLegacyRefundFlow(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)
	p := env.createPayment(t, "legacy-refund", 1000)
	w, _ := env.do(t, http.MethodPost, "/api/v2/payments/"+p.ID+"/capture", nil, map[string]string{"Idempotency-Key": "legacy-refund-cap"})
	if w.Code != http.StatusOK {
		t.Fatalf("capture status=%d", w.Code)
	}

	w, resp := env.do(t, http.MethodPost, "/api/v1/refunds", gin.H{
		"payment_reference": p.ID,
		"refund_amount":     300,
		"reason_code":       "FRAUD",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("legacy refund status=%d body=%s", w.Code, w.Body.String())
	}
	var refund LegacyRefundResponse
	decodeData(t, resp, &refund)
	if refund.StatusCode != "REFUNDED" || refund.RefundAmount != 300 || refund.ReasonCode != "FRAUD" {
		t.Fatalf("unexpected legacy refund: %+v", refund)
	}

	w, resp = env.do(t, http.MethodGet, "/api/v1/refunds?payment_reference="+p.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("legacy list status=%d", w.Code)
	}
	var listed []LegacyRefundResponse
	decodeData(t, resp, &listed)
	if len(listed) != 1 || listed[0].RefundID != refund.RefundID {
		t.Fatalf("unexpected legacy list: %+v", listed)
	}

	w, resp = env.do(t, http.MethodPost, "/api/v1/payments/"+p.ID+"/refund", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("legacy full refund status=%d body=%s", w.Code, w.Body.String())
	}
	var refunded LegacyPaymentResponse
	decodeData(t, resp, &refunded)
	if refunded.StatusCode != "REFUNDED" {
		t.Fatalf("expected REFUNDED, got %s", refunded.StatusCode)
	}
}

func TestLegacyDisabledReturnsGone(t *testing.T) {
	env := setupPublicHandlerTest(t, func(cfg *config.Config) { cfg.API.LegacyV1Enabled = false })
	w, resp := env.do(t, http.MethodGet, "/api/v1/payments/pay_any", nil, nil)
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", w.Code)
	}
	var body errorData
	decodeData(t, resp, &body)
	if body.ErrorCode != "LEGACY_API_DISABLED" {
		t.Fatalf("unexpected error code: %s", body.ErrorCode)
	}
}

func TestLegacyReasonMapping(t *testing.T) {
	cases := map[string]string{
		"":                 constants.RefundReasonRequestedByCustomer,
		"customer_request": constants.RefundReasonRequestedByCustomer,
		"DUPLICATE":        constants.RefundReasonDuplicate,
		"FRAUD":            constants.RefundReasonFraudulent,
		"CHARGEBACK":       constants.RefundReasonOther,
	}
	for code, want := range cases {
		if got := legacyReason(code); got != want {
			t.Fatalf("legacyReason(%q)=%s want %s", code, got, want)
		}
	}
	if legacyReasonCode(constants.RefundReasonOrderCancelled) != "OTHER" {
		t.Fatalf("unmapped reasons should report OTHER")
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := setupPublicHandlerTest(t, nil)

	w, _ := env.do(t, http.MethodGet, "/health/live", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("live status=%d", w.Code)
	}

	w, _ = env.do(t, http.MethodGet, "/health/ready", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status=%d body=%s", w.Code, w.Body.String())
	}
	var ready struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ready); err != nil {
		t.Fatalf("decode ready failed: %v", err)
	}
	if !ready.Ready || ready.Checks["database"] != "ok" || ready.Checks[constants.ProviderSandbox] != "configured" {
		t.Fatalf("unexpected readiness: %+v", ready)
	}

	w, _ = env.do(t, http.MethodGet, "/health/info", nil, nil)
	var info struct {
		APIVersions []string `json:"api_versions"`
		Providers   []string `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info failed: %v", err)
	}
	if len(info.APIVersions) != 2 || len(info.Providers) != 1 || info.Providers[0] != constants.ProviderSandbox {
		t.Fatalf("unexpected info: %+v", info)
	}
}
