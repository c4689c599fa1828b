package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaymarket/quay/internal/funds"
)

type handlerEnv struct {
	router   *gin.Engine
	engine   *Engine
	store    *MemoryStore
	provider *funds.MemoryProvider

	buyerAcct  string
	sellerAcct string
}

// authAs injects the identity the auth middleware would set.
func authAs(userID string, admin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("authUserID", userID)
		c.Set("authIsAdmin", admin)
		c.Next()
	}
}

func newHandlerEnv(t *testing.T, userID string, admin bool) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	provider := funds.NewMemoryProvider()
	engine := NewEngine(store, provider)
	h := NewHandler(engine)

	router := gin.New()
	public := router.Group("/v1")
	h.RegisterRoutes(public)
	protected := router.Group("/v1")
	protected.Use(authAs(userID, admin))
	h.RegisterProtectedRoutes(protected)

	ctx := context.Background()
	buyerAcct, err := provider.CreateCustodyAccount(ctx, "buyer")
	require.NoError(t, err)
	sellerAcct, err := provider.CreateCustodyAccount(ctx, "seller")
	require.NoError(t, err)
	provider.Credit(buyerAcct, 100_000)

	return &handlerEnv{
		router:     router,
		engine:     engine,
		store:      store,
		provider:   provider,
		buyerAcct:  buyerAcct,
		sellerAcct: sellerAcct,
	}
}

func (env *handlerEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *handlerEnv) seed(t *testing.T) *Escrow {
	t.Helper()
	e, err := env.engine.Create(context.Background(), CreateRequest{
		BuyerID:       "usr_a1b2c3d4e5f6a1b2c3d4e5f6",
		SellerID:      "usr_f6e5d4c3b2a1f6e5d4c3b2a1",
		ListingID:     "lst_1",
		Amount:        5000,
		Currency:      "USD",
		BuyerAccount:  env.buyerAcct,
		SellerAccount: env.sellerAcct,
	})
	require.NoError(t, err)
	return e
}

func TestCreateEscrowEndpoint(t *testing.T) {
	buyer := "usr_a1b2c3d4e5f6a1b2c3d4e5f6"
	env := newHandlerEnv(t, buyer, false)

	w := env.do(http.MethodPost, "/v1/escrows", gin.H{
		"buyerId":       buyer,
		"sellerId":      "usr_f6e5d4c3b2a1f6e5d4c3b2a1",
		"listingId":     "lst_9",
		"amount":        2500,
		"currency":      "USD",
		"buyerAccount":  env.buyerAcct,
		"sellerAccount": env.sellerAcct,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Escrow Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusCreated, resp.Escrow.Status)
	assert.NotEmpty(t, resp.Escrow.EscrowAddress)
}

func TestCreateEscrowEndpoint_RejectsNonBuyer(t *testing.T) {
	env := newHandlerEnv(t, "usr_f6e5d4c3b2a1f6e5d4c3b2a1", false)

	w := env.do(http.MethodPost, "/v1/escrows", gin.H{
		"buyerId":  "usr_a1b2c3d4e5f6a1b2c3d4e5f6",
		"sellerId": "usr_f6e5d4c3b2a1f6e5d4c3b2a1",
		"amount":   2500,
		"currency": "USD",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateEscrowEndpoint_Validation(t *testing.T) {
	buyer := "usr_a1b2c3d4e5f6a1b2c3d4e5f6"
	env := newHandlerEnv(t, buyer, false)

	w := env.do(http.MethodPost, "/v1/escrows", gin.H{
		"buyerId":  "not a user id",
		"sellerId": "usr_f6e5d4c3b2a1f6e5d4c3b2a1",
		"amount":   -5,
		"currency": "USD",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp["error"])
}

func TestGetEscrowEndpoint(t *testing.T) {
	env := newHandlerEnv(t, "usr_a1b2c3d4e5f6a1b2c3d4e5f6", false)
	e := env.seed(t)

	w := env.do(http.MethodGet, "/v1/escrows/"+e.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/v1/escrows/esc_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEscrowsEndpoint(t *testing.T) {
	env := newHandlerEnv(t, "usr_a1b2c3d4e5f6a1b2c3d4e5f6", false)
	env.seed(t)
	env.seed(t)

	w := env.do(http.MethodGet, "/v1/users/usr_a1b2c3d4e5f6a1b2c3d4e5f6/escrows", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Escrows []Escrow `json:"escrows"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestListEscrowsEndpoint_Filters(t *testing.T) {
	buyer := "usr_a1b2c3d4e5f6a1b2c3d4e5f6"
	env := newHandlerEnv(t, buyer, false)
	env.seed(t)
	funded := env.seed(t)
	_, err := env.engine.Fund(context.Background(), funded.ID, buyer)
	require.NoError(t, err)

	type listResp struct {
		Escrows []Escrow `json:"escrows"`
		Count   int      `json:"count"`
	}
	get := func(query string) listResp {
		w := env.do(http.MethodGet, "/v1/users/"+buyer+"/escrows"+query, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp listResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	assert.Equal(t, 1, get("?status=funded").Count)
	assert.Equal(t, 1, get("?status=created").Count)
	assert.Equal(t, 2, get("?role=buyer").Count)
	assert.Equal(t, 0, get("?role=seller").Count)

	w := env.do(http.MethodGet, "/v1/users/"+buyer+"/escrows?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(http.MethodGet, "/v1/users/"+buyer+"/escrows?role=arbiter", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEscrowsEndpoint_CursorPagination(t *testing.T) {
	env := newHandlerEnv(t, "usr_a1b2c3d4e5f6a1b2c3d4e5f6", false)
	for i := 0; i < 5; i++ {
		env.seed(t)
	}

	type listResp struct {
		Escrows    []Escrow `json:"escrows"`
		Count      int      `json:"count"`
		HasMore    bool     `json:"hasMore"`
		NextCursor string   `json:"nextCursor"`
	}

	seen := map[string]bool{}
	base := "/v1/users/usr_a1b2c3d4e5f6a1b2c3d4e5f6/escrows?limit=2"

	var resp listResp
	w := env.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	require.True(t, resp.HasMore)
	require.NotEmpty(t, resp.NextCursor)
	for _, e := range resp.Escrows {
		seen[e.ID] = true
	}

	// Walk the remaining pages; no escrow may repeat.
	for resp.HasMore {
		w = env.do(http.MethodGet, base+"&cursor="+resp.NextCursor, nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp = listResp{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		for _, e := range resp.Escrows {
			require.False(t, seen[e.ID], "escrow %s repeated across pages", e.ID)
			seen[e.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	w = env.do(http.MethodGet, base+"&cursor=garbage!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFundAndReleaseEndpoints(t *testing.T) {
	buyer := "usr_a1b2c3d4e5f6a1b2c3d4e5f6"
	env := newHandlerEnv(t, buyer, false)
	e := env.seed(t)

	w := env.do(http.MethodPost, fmt.Sprintf("/v1/escrows/%s/fund", e.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Buyer may not release.
	w = env.do(http.MethodPost, fmt.Sprintf("/v1/escrows/%s/release", e.ID), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Admin may. Swap in an admin identity on the same engine.
	env.router = gin.New()
	h := NewHandler(env.engine)
	g := env.router.Group("/v1")
	g.Use(authAs("usr_admin", true))
	h.RegisterProtectedRoutes(g)

	w = env.do(http.MethodPost, fmt.Sprintf("/v1/escrows/%s/release", e.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(5000), env.provider.Balance(env.sellerAcct))

	// Releasing a released escrow is an idempotent no-op.
	w = env.do(http.MethodPost, fmt.Sprintf("/v1/escrows/%s/release", e.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5000), env.provider.Balance(env.sellerAcct))
}

func TestSignEndpoint(t *testing.T) {
	buyer := "usr_a1b2c3d4e5f6a1b2c3d4e5f6"
	seller := "usr_f6e5d4c3b2a1f6e5d4c3b2a1"
	env := newHandlerEnv(t, buyer, false)

	e, err := env.engine.Create(context.Background(), CreateRequest{
		BuyerID:       buyer,
		SellerID:      seller,
		Amount:        5000,
		Currency:      "USD",
		BuyerAccount:  env.buyerAcct,
		SellerAccount: env.sellerAcct,
		MultiSig:      true,
	})
	require.NoError(t, err)

	w := env.do(http.MethodPost, fmt.Sprintf("/v1/escrows/%s/sign", e.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Escrow Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusAwaitingSignatures, resp.Escrow.Status)
	assert.Equal(t, 1, resp.Escrow.MultiSig.Completed)
}

func TestSetResolutionModeEndpoint(t *testing.T) {
	buyer := "usr_a1b2c3d4e5f6a1b2c3d4e5f6"
	env := newHandlerEnv(t, buyer, false)
	e := env.seed(t)

	w := env.do(http.MethodPut, fmt.Sprintf("/v1/escrows/%s/resolution-mode", e.ID), gin.H{
		"mode":                 "auto_split",
		"autoResolveAfterDays": 10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Escrow Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ModeAutoSplit, resp.Escrow.ResolutionMode)
	assert.Equal(t, 10, resp.Escrow.AutoResolveAfterDays)

	w = env.do(http.MethodPut, fmt.Sprintf("/v1/escrows/%s/resolution-mode", e.ID), gin.H{
		"mode": "coin_flip",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
