package playground

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/ledger"
)

const defaultCustomerRef = "demo-user"

func (s *Server) listRoutes(c *gin.Context) {
	routes, err := s.ledger.ListRoutes(c.Request.Context())
	if err != nil {
		s.log.Warn("failed to list protected routes", map[string]any{"error": err.Error()})
		c.JSON(http.StatusOK, gin.H{"routes": []ledger.Route{}, "error": err.Error()})
		return
	}
	if routes == nil {
		routes = []ledger.Route{}
	}
	c.JSON(http.StatusOK, gin.H{"routes": routes})
}

// checkout creates a charge priced by a protected route and redirects the
// browser to the hosted checkout page.
func (s *Server) checkout(c *gin.Context) {
	routeID := c.Query("route_id")
	if routeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_route_id", "detail": "route_id is required"})
		return
	}

	ctx := c.Request.Context()
	routes, err := s.ledger.ListRoutes(ctx)
	if err != nil {
		backendError(c, s.ledger.BaseURL(), err)
		return
	}

	var route *ledger.Route
	for i := range routes {
		if routes[i].ID == routeID {
			route = &routes[i]
			break
		}
	}
	if route == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "route_not_found",
			"detail": fmt.Sprintf("Protected route '%s' not found", routeID),
		})
		return
	}
	if !route.Active() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "route_inactive",
			"detail": fmt.Sprintf("Protected route '%s' is not active (status: %s)", routeID, route.Status),
		})
		return
	}

	amount, err := decimal.NewFromString(route.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "route_has_no_amount",
			"detail": fmt.Sprintf("Protected route '%s' has no amount configured", routeID),
		})
		return
	}

	currency := route.Currency
	if currency == "" {
		currency = "USDC"
	}

	charge, err := s.ledger.CreateCharge(ctx, ledger.CreateChargeRequest{
		Amount:           amount,
		Currency:         currency,
		CustomerRef:      c.DefaultQuery("customer_ref", defaultCustomerRef),
		ReturnURL:        baseURL(c.Request) + "/premium",
		ReceiverConfigID: route.ReceiverConfigID,
	})
	if err != nil {
		s.log.Error("failed to create checkout charge", map[string]any{"route_id": routeID, "error": err.Error()})
		backendError(c, s.ledger.BaseURL(), err)
		return
	}
	if charge.CheckoutURL == "" {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "no_checkout_url",
			"detail": "No checkout URL returned. Check route configuration.",
		})
		return
	}

	s.log.Info("redirecting to hosted checkout", map[string]any{"route_id": routeID, "charge_id": charge.ID})
	c.Redirect(http.StatusFound, charge.CheckoutURL)
}

// baseURL reconstructs the externally visible origin of r.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(proto)
	}
	return scheme + "://" + r.Host
}
