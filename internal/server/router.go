package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"flashmart/internal/config"
	"flashmart/internal/coupon"
	"flashmart/internal/domain"
	"flashmart/internal/log"
	"flashmart/internal/payment"
	"flashmart/internal/product"
	"flashmart/internal/ranking"
	"flashmart/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(r *chi.Mux, cfg *config.Config, st *store.Store, rdb *redis.Client,
	coupons *coupon.Service, products *product.Service, payments *payment.Service,
	board *ranking.Board) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			logger.Error("Redis health check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/coupons/{couponID}/issue", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := callerID(r, logger, w)
			if !ok {
				return
			}
			couponID, err := pathID(r, "couponID")
			if err != nil {
				http.Error(w, "Invalid coupon id", http.StatusBadRequest)
				return
			}
			result, err := coupons.RequestIssue(r.Context(), userID, couponID)
			if err != nil {
				writeError(w, logger, "Failed to request coupon issue", err)
				return
			}
			writeJSON(w, logger, map[string]string{"result": string(result)})
		})

		r.Get("/coupons/{couponID}", func(w http.ResponseWriter, r *http.Request) {
			couponID, err := pathID(r, "couponID")
			if err != nil {
				http.Error(w, "Invalid coupon id", http.StatusBadRequest)
				return
			}
			status, err := coupons.Status(r.Context(), couponID)
			if err != nil {
				writeError(w, logger, "Failed to get coupon status", err)
				return
			}
			writeJSON(w, logger, map[string]interface{}{
				"coupon_id":           status.Coupon.ID,
				"name":                status.Coupon.Name,
				"max_issue_count":     status.Coupon.MaxIssueCount,
				"current_issue_count": status.Coupon.CurrentIssueCount,
				"remaining":           status.Coupon.Remaining(),
				"admitted_count":      status.AdmittedCount,
				"issue_start_at":      status.Coupon.IssueStartAt,
				"issue_end_at":        status.Coupon.IssueEndAt,
			})
		})

		r.Get("/me/coupons", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := callerID(r, logger, w)
			if !ok {
				return
			}
			list, err := coupons.ListUserCoupons(r.Context(), userID)
			if err != nil {
				writeError(w, logger, "Failed to list user coupons", err)
				return
			}
			writeJSON(w, logger, list)
		})

		r.Post("/me/coupons/{userCouponID}/use", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := callerID(r, logger, w)
			if !ok {
				return
			}
			userCouponID, err := pathID(r, "userCouponID")
			if err != nil {
				http.Error(w, "Invalid user coupon id", http.StatusBadRequest)
				return
			}
			uc, err := coupons.UseCoupon(r.Context(), userID, userCouponID)
			if err != nil {
				writeError(w, logger, "Failed to use coupon", err)
				return
			}
			writeJSON(w, logger, uc)
		})

		r.Get("/products", func(w http.ResponseWriter, r *http.Request) {
			list, err := products.List(r.Context())
			if err != nil {
				writeError(w, logger, "Failed to list products", err)
				return
			}
			writeJSON(w, logger, list)
		})

		r.Get("/products/{productID}", func(w http.ResponseWriter, r *http.Request) {
			productID, err := pathID(r, "productID")
			if err != nil {
				http.Error(w, "Invalid product id", http.StatusBadRequest)
				return
			}
			p, err := products.Get(r.Context(), productID)
			if err != nil {
				writeError(w, logger, "Failed to get product", err)
				return
			}
			writeJSON(w, logger, map[string]interface{}{
				"id":           p.ID,
				"name":         p.Name,
				"price":        p.Price,
				"stock":        p.Stock,
				"stock_status": p.StockStatus(),
			})
		})

		r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := callerID(r, logger, w)
			if !ok {
				return
			}
			var req struct {
				Items []payment.ItemRequest `json:"items"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode order request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			order, err := payments.CreateOrder(r.Context(), userID, req.Items)
			if err != nil {
				writeError(w, logger, "Failed to create order", err)
				return
			}
			writeJSON(w, logger, order)
		})

		r.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
			orderID, err := pathID(r, "orderID")
			if err != nil {
				http.Error(w, "Invalid order id", http.StatusBadRequest)
				return
			}
			detail, err := payments.GetOrder(r.Context(), orderID)
			if err != nil {
				writeError(w, logger, "Failed to get order", err)
				return
			}
			writeJSON(w, logger, detail)
		})

		r.Post("/orders/{orderID}/payment", func(w http.ResponseWriter, r *http.Request) {
			orderID, err := pathID(r, "orderID")
			if err != nil {
				http.Error(w, "Invalid order id", http.StatusBadRequest)
				return
			}
			var req payment.PayRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode payment request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			pay, err := payments.ExecutePayment(r.Context(), orderID, req)
			if err != nil {
				writeError(w, logger, "Failed to execute payment", err)
				return
			}
			writeJSON(w, logger, pay)
		})

		r.Post("/orders/{orderID}/cancel", func(w http.ResponseWriter, r *http.Request) {
			orderID, err := pathID(r, "orderID")
			if err != nil {
				http.Error(w, "Invalid order id", http.StatusBadRequest)
				return
			}
			if err := payments.CancelOrder(r.Context(), orderID); err != nil {
				writeError(w, logger, "Failed to cancel order", err)
				return
			}
			writeJSON(w, logger, map[string]string{"status": "cancelled"})
		})

		r.Post("/points/charge", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := callerID(r, logger, w)
			if !ok {
				return
			}
			var req struct {
				Amount int `json:"amount"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode charge request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			h, err := payments.ChargePoints(r.Context(), userID, req.Amount)
			if err != nil {
				writeError(w, logger, "Failed to charge points", err)
				return
			}
			writeJSON(w, logger, h)
		})

		r.Get("/points/balance", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := callerID(r, logger, w)
			if !ok {
				return
			}
			balance, err := payments.PointBalance(r.Context(), userID)
			if err != nil {
				writeError(w, logger, "Failed to get point balance", err)
				return
			}
			writeJSON(w, logger, map[string]int{"balance": balance})
		})

		r.Get("/rankings", func(w http.ResponseWriter, r *http.Request) {
			limit := queryInt(r, "limit", 10)
			days := queryInt(r, "days", 3)
			entries, err := board.Top(r.Context(), limit, days, time.Now())
			if err != nil {
				writeError(w, logger, "Failed to get rankings", err)
				return
			}
			writeJSON(w, logger, entries)
		})

		r.Post("/admin/coupons/{couponID}/rebuild", func(w http.ResponseWriter, r *http.Request) {
			couponID, err := pathID(r, "couponID")
			if err != nil {
				http.Error(w, "Invalid coupon id", http.StatusBadRequest)
				return
			}
			if err := coupons.RebuildAdmission(r.Context(), couponID); err != nil {
				writeError(w, logger, "Failed to rebuild admission cache", err)
				return
			}
			writeJSON(w, logger, map[string]string{"status": "rebuilt"})
		})

		r.Get("/admin/failed-events", func(w http.ResponseWriter, r *http.Request) {
			status := domain.FailedEventStatus(r.URL.Query().Get("status"))
			if status == "" {
				status = domain.FailedEventAbandoned
			}
			limit := queryInt(r, "limit", 100)
			events, err := st.ListFailedEvents(r.Context(), status, limit)
			if err != nil {
				writeError(w, logger, "Failed to list failed events", err)
				return
			}
			writeJSON(w, logger, events)
		})
	})
}

// callerID reads the authenticated user id from the JWT claims.
func callerID(r *http.Request, logger *log.Logger, w http.ResponseWriter) (int64, bool) {
	claims, ok := r.Context().Value(claimsKey).(jwt.MapClaims)
	if !ok {
		logger.Error("Missing claims in request context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	raw, ok := claims["user_id"].(float64)
	if !ok {
		logger.Error("Missing user_id claim")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return int64(raw), true
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, logger *log.Logger, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInsufficientPoints),
		errors.Is(err, domain.ErrCouponNotUsable),
		errors.Is(err, domain.ErrOrderNotPayable),
		errors.Is(err, domain.ErrInvalidCoupon),
		errors.Is(err, domain.ErrSoldOut):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrLockTimeout),
		errors.Is(err, domain.ErrAdmissionUnavailable):
		logger.Error(msg, zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		logger.Error(msg, zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type contextKey string

const claimsKey contextKey = "claims"

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
