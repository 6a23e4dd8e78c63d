package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"busline/internal/bookings"
	"busline/internal/shared/apperror"
	"busline/internal/shared/utils/response"
	"busline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body
const SignatureHeader = "X-Signature"

const maxWebhookBody = 64 << 10

type Controller interface {
	ConfirmPayment(c *gin.Context)
	HandleReturn(c *gin.Context)
	HandleWebhook(c *gin.Context)
}

// WebhookConfig controls webhook authentication. Without a secret every
// webhook is refused unless AllowUnsigned is set for local development.
type WebhookConfig struct {
	Secret        string
	AllowUnsigned bool
}

type controller struct {
	reconciler *Reconciler
	webhook    WebhookConfig
	log        *logger.Logger
	now        func() time.Time
}

// NewController creates the payment controller
func NewController(reconciler *Reconciler, webhook WebhookConfig, log *logger.Logger) Controller {
	if log == nil {
		log = logger.GetDefault()
	}
	return &controller{
		reconciler: reconciler,
		webhook:    webhook,
		log:        log,
		now:        time.Now,
	}
}

// ConfirmPayment handles POST /api/v1/payments/confirm
func (ctrl *controller) ConfirmPayment(c *gin.Context) {
	var req ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
		return
	}
	ctrl.reconcile(c, Signal{
		BookingID:   req.BookingID,
		ProviderRef: req.ProviderRef,
		Code:        req.Code,
		HolderID:    req.HolderID,
		Source:      "confirm",
	})
}

// HandleReturn handles GET /api/v1/payments/return, the provider's redirect target
func (ctrl *controller) HandleReturn(c *gin.Context) {
	var q ReturnQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid return parameters", nil, err.Error())
		return
	}
	ctrl.reconcile(c, Signal{
		BookingID:   q.BookingID,
		ProviderRef: q.ProviderRef,
		Code:        q.Code,
		HolderID:    q.HolderID,
		Source:      "redirect",
	})
}

func (ctrl *controller) reconcile(c *gin.Context, sig Signal) {
	if sig.HolderID != "" || ClassifyCode(sig.Code) == HintCancelled {
		holderID, err := bookings.ResolveHolder(c, sig.HolderID)
		if err != nil {
			ctrl.fail(c, err)
			return
		}
		sig.HolderID = holderID
	}

	res, err := ctrl.reconciler.Reconcile(c.Request.Context(), sig)
	switch apperror.KindOf(err) {
	case "":
		response.RespondJSON(c, "success", http.StatusOK, messageFor(res.Outcome), toReconcileResponse(res, ctrl.now()), nil)
	case apperror.KindProviderAmbiguous, apperror.KindProviderUnreachable:
		if res == nil {
			ctrl.fail(c, err)
			return
		}
		status := "success"
		if apperror.KindOf(err) == apperror.KindProviderUnreachable {
			status = "error"
		}
		response.RespondJSON(c, status, apperror.HTTPStatus(err), apperror.PublicMessage(err),
			toReconcileResponse(res, ctrl.now()), response.ErrorDetail{Kind: apperror.KindOf(err)})
	default:
		ctrl.fail(c, err)
	}
}

// HandleWebhook handles POST /api/v1/payments/webhook
func (ctrl *controller) HandleWebhook(c *gin.Context) {
	if ctrl.webhook.Secret == "" && !ctrl.webhook.AllowUnsigned {
		ctrl.log.LogAuthFailure(c.Request.Context(), "webhook secret not configured", c.ClientIP())
		response.RespondJSON(c, "error", http.StatusServiceUnavailable, "Webhook verification is not configured", nil, nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Unreadable webhook body", nil, nil)
		return
	}
	if !ctrl.validSignature(body, c.GetHeader(SignatureHeader)) {
		ctrl.log.LogAuthFailure(c.Request.Context(), "invalid webhook signature", c.ClientIP())
		response.RespondJSON(c, "error", http.StatusUnauthorized, "Invalid webhook signature", nil, nil)
		return
	}

	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid webhook payload", nil, err.Error())
		return
	}

	res, err := ctrl.reconciler.HandleWebhook(c.Request.Context(), evt)
	if err != nil {
		// A rejected late payment is already queued for refund; the provider
		// must not redeliver it.
		if apperror.KindOf(err) == apperror.KindIllegalTransition {
			response.RespondJSON(c, "success", http.StatusOK, apperror.PublicMessage(err), nil, nil)
			return
		}
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Webhook processed", gin.H{
		"disposition": res.Disposition,
		"status":      res.Booking.Status,
	}, nil)
}

func (ctrl *controller) validSignature(body []byte, signature string) bool {
	if ctrl.webhook.Secret == "" {
		return ctrl.webhook.AllowUnsigned
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign([]byte(ctrl.webhook.Secret), body))
}

// Sign returns the HMAC-SHA256 of body under secret
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func (ctrl *controller) fail(c *gin.Context, err error) {
	if apperror.IsInternal(err) {
		ctrl.log.LogHTTPError(c, err, http.StatusInternalServerError)
	}
	response.RespondError(c, err)
}

func messageFor(outcome Outcome) string {
	switch outcome {
	case OutcomeConfirmed:
		return "Payment confirmed"
	case OutcomeCancelled:
		return "Booking cancelled"
	default:
		return "Booking is closed"
	}
}
