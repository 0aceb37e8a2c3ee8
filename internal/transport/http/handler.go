package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/model"
	"wallet-ledger/internal/repo"
	"wallet-ledger/internal/service"
)

const defaultPageSize = 50

func RegisterHandlers(r gin.IRoutes, svc *service.WalletService) {
	r.POST("/wallets", createWalletHandler(svc))
	r.GET("/wallets", listWalletsHandler(svc))
	r.GET("/wallets/:id", getWalletHandler(svc))
	r.DELETE("/wallets/:id", deleteWalletHandler(svc))
	r.POST("/wallets/:id/operations", applyOperationHandler(svc))
	r.GET("/wallets/:id/operations", listOperationsHandler(svc))
}

type walletResp struct {
	ID      uuid.UUID `json:"id"`
	Balance string    `json:"balance"`
}

type operationResp struct {
	CreatedAt time.Time `json:"created_at"`
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount"`
}

func toWalletResp(w *model.Wallet) walletResp {
	return walletResp{ID: w.ID, Balance: w.Balance.StringFixed(2)}
}

// abortWithError maps domain errors onto HTTP statuses. Not-owned and
// non-existent wallets produce the same 404.
func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "wallet not found"})
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidKind):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case errors.Is(err, repo.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "insufficient funds"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
	}
}

func walletID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// an unparseable id can never match a wallet
		c.JSON(http.StatusNotFound, gin.H{"detail": "wallet not found"})
		return uuid.Nil, false
	}
	return id, true
}

func createWalletHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := requesterID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "unauthenticated"})
			return
		}
		w, err := svc.CreateWallet(c, uid)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toWalletResp(w))
	}
}

func listWalletsHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := requesterID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "unauthenticated"})
			return
		}
		ws, err := svc.ListWallets(c, uid)
		if err != nil {
			abortWithError(c, err)
			return
		}
		out := make([]walletResp, 0, len(ws))
		for i := range ws {
			out = append(out, toWalletResp(&ws[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func getWalletHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := requesterID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "unauthenticated"})
			return
		}
		id, ok := walletID(c)
		if !ok {
			return
		}
		w, err := svc.GetWallet(c, id, uid)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toWalletResp(w))
	}
}

func deleteWalletHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := requesterID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "unauthenticated"})
			return
		}
		id, ok := walletID(c)
		if !ok {
			return
		}
		if err := svc.DeleteWallet(c, id, uid); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"detail": "wallet deleted"})
	}
}

type operationReq struct {
	Kind   string `json:"kind" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func applyOperationHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := requesterID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "unauthenticated"})
			return
		}
		id, ok := walletID(c)
		if !ok {
			return
		}
		var req operationReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid amount"})
			return
		}
		bal, err := svc.Apply(c, id, uid, model.OperationKind(req.Kind), amt)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal.StringFixed(2)})
	}
}

func listOperationsHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := requesterID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "unauthenticated"})
			return
		}
		id, ok := walletID(c)
		if !ok {
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
		if err != nil || limit <= 0 {
			limit = defaultPageSize
		}
		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil || offset < 0 {
			offset = 0
		}
		ops, total, err := svc.ListOperations(c, id, uid, limit, offset)
		if err != nil {
			abortWithError(c, err)
			return
		}
		results := make([]operationResp, 0, len(ops))
		for _, op := range ops {
			results = append(results, operationResp{
				CreatedAt: op.CreatedAt,
				ID:        op.ID,
				Kind:      string(op.Kind),
				Amount:    op.Amount.StringFixed(2),
			})
		}
		c.JSON(http.StatusOK, gin.H{"count": total, "results": results})
	}
}
