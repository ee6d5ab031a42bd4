package playground

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/ledger"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/utils"
)

const (
	// ChargeHeader carries the id of the charge paying for a request.
	ChargeHeader = "X-Charge-Id"

	stablecoinDecimals = 6
	paymentKey         = "x402pay.payment"
)

// Price describes what a protected resource costs.
type Price struct {
	Amount            decimal.Decimal
	Currency          string
	Network           types.Network
	PayTo             string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
}

// PaymentRequirements is one entry of a 402 response's accepts list.
type PaymentRequirements struct {
	Scheme            string        `json:"scheme"`
	Network           types.Network `json:"network"`
	MaxAmountRequired string        `json:"maxAmountRequired"`
	Resource          string        `json:"resource"`
	Description       string        `json:"description"`
	MimeType          string        `json:"mimeType"`
	PayTo             string        `json:"payTo"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds"`
	Asset             string        `json:"asset"`
}

// Paywall answers unpaid requests with 402 and lets verified ones through.
type Paywall struct {
	price     Price
	asset     string
	maxAmount string
}

func NewPaywall(p Price) (*Paywall, error) {
	if !p.Amount.IsPositive() {
		return nil, types.Errorf(types.ErrConfigError, "price must be positive, got %s", p.Amount)
	}
	if err := utils.ValidateNetwork(p.Network); err != nil {
		return nil, err
	}
	asset, ok := p.Network.DefaultAsset(p.Currency)
	if !ok {
		return nil, types.Errorf(types.ErrUnsupportedNetwork, "%s has no %s asset", p.Network, p.Currency)
	}
	if p.PayTo != "" {
		if err := utils.ValidateAddressForNetwork(p.PayTo, p.Network); err != nil {
			return nil, types.NewError(types.ErrConfigError, "invalid pay-to address", err)
		}
	}
	units, err := utils.ToBaseUnits(p.Amount, stablecoinDecimals)
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "invalid price", err)
	}

	if p.MimeType == "" {
		p.MimeType = "application/json"
	}
	if p.MaxTimeoutSeconds == 0 {
		p.MaxTimeoutSeconds = 60
	}
	return &Paywall{price: p, asset: asset, maxAmount: units.String()}, nil
}

// Requirements describes how to pay for resource.
func (p *Paywall) Requirements(resource string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            "exact",
		Network:           p.price.Network,
		MaxAmountRequired: p.maxAmount,
		Resource:          resource,
		Description:       p.price.Description,
		MimeType:          p.price.MimeType,
		PayTo:             p.price.PayTo,
		MaxTimeoutSeconds: p.price.MaxTimeoutSeconds,
		Asset:             p.asset,
	}
}

// Require verifies the charge named in ChargeHeader with the backend before
// running the rest of the chain. The verified charge is stored on the
// context; see PaymentFrom.
func (p *Paywall) Require(client *ledger.Client, log logger.Logger) gin.HandlerFunc {
	log = logger.OrNoop(log)

	return func(c *gin.Context) {
		resource := baseURL(c.Request) + c.Request.URL.Path

		chargeID := c.GetHeader(ChargeHeader)
		if chargeID == "" {
			p.deny(c, resource, ChargeHeader+" header is required")
			return
		}

		verified, err := client.VerifyCharge(c.Request.Context(), ledger.VerifyChargeRequest{
			TransactionID: chargeID,
			ResourceRef:   c.Request.URL.Path,
		})
		switch {
		case types.HasCode(err, types.ErrChargeNotFound), types.HasCode(err, types.ErrVerificationFailed):
			p.deny(c, resource, err.Error())
			return
		case err != nil:
			log.Error("charge verification failed", map[string]any{"charge_id": chargeID, "error": err.Error()})
			c.Abort()
			backendError(c, client.BaseURL(), err)
			return
		case !verified.Verified:
			reason := verified.Reason
			if reason == "" {
				reason = "payment not verified"
			}
			p.deny(c, resource, reason)
			return
		case !verified.Amount.IsPositive():
			p.deny(c, resource, "backend did not report a paid amount")
			return
		case !strings.EqualFold(verified.Currency, p.price.Currency):
			p.deny(c, resource, "paid in "+verified.Currency+", expected "+p.price.Currency)
			return
		case verified.Amount.LessThan(p.price.Amount):
			p.deny(c, resource, "paid amount "+verified.Amount.String()+" is below the price "+p.price.Amount.String())
			return
		}

		log.Info("payment verified", map[string]any{"charge_id": chargeID, "resource": resource})
		c.Set(paymentKey, verified)
		c.Next()
	}
}

func (p *Paywall) deny(c *gin.Context, resource, reason string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":       reason,
		"accepts":     []PaymentRequirements{p.Requirements(resource)},
		"x402Version": types.X402Version1,
	})
}

// PaymentFrom returns the verified charge stored by Require.
func PaymentFrom(c *gin.Context) (*ledger.VerifyChargeResponse, bool) {
	v, ok := c.Get(paymentKey)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*ledger.VerifyChargeResponse)
	return resp, ok
}

func (s *Server) premium(c *gin.Context) {
	payment, _ := PaymentFrom(c)

	body := gin.H{
		"access":  "granted",
		"message": "Welcome to premium content!",
		"article": gin.H{
			"title":   "The Future of Micropayments",
			"content": "Full article content here...",
		},
	}
	if payment != nil {
		body["payment"] = gin.H{
			"transaction_id": payment.TransactionID,
			"amount":         payment.Amount,
			"currency":       payment.Currency,
		}
	}
	c.JSON(http.StatusOK, body)
}
