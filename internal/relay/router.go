package relay

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nearkey/signer-core/internal/shamir"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// NewRouter builds the relay's HTTP surface, translating the teacher's
// typed-request/typed-response handler style into gin's router.POST/GET
// idiom. Every handler funnels its error return through writeError so the
// wire error shape ({code, message, details?}) is uniform across
// endpoints.
func NewRouter(svc *Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", handleHealth)
	r.GET("/health/system", handleHealthSystem)

	r.POST("/accounts", svc.handleCreateAccount)
	r.POST("/accounts/register", svc.handleCreateAccountAndRegister)
	r.POST("/auth/verify", svc.handleVerifyAuthentication)

	r.POST("/shamir/apply", svc.handleShamirApply)
	r.POST("/shamir/remove", svc.handleShamirRemove)
	r.POST("/shamir/rotate", svc.handleShamirRotate)
	r.GET("/shamir/grace", svc.handleShamirListGrace)
	r.POST("/shamir/grace", svc.handleShamirAddGrace)
	r.DELETE("/shamir/grace/:keyID", svc.handleShamirRemoveGrace)
	r.GET("/shamir/info", svc.handleShamirInfo)

	return r
}

// writeError renders err as the uniform {code, message, details?} wire
// error shape, deriving the HTTP status from its svcerr.Code.
func writeError(c *gin.Context, err error) {
	svcErr, ok := svcerr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": svcerr.CodeInternal, "message": err.Error()})
		return
	}
	body := gin.H{"code": svcErr.Code, "message": svcErr.Message}
	if len(svcErr.Details) > 0 {
		body["details"] = svcErr.Details
	}
	c.JSON(svcErr.HTTPStatus, body)
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleHealthSystem(c *gin.Context) {
	snap, err := SystemHealthSnapshot()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type createAccountRequestWire struct {
	AccountID string `json:"account_id" binding:"required"`
	PublicKey string `json:"public_key" binding:"required"`
}

func (s *Service) handleCreateAccount(c *gin.Context) {
	var req createAccountRequestWire
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, svcerr.Wrap(svcerr.CodeInputInvalid, "invalid request body", err))
		return
	}
	result, err := s.CreateAccount(c.Request.Context(), CreateAccountRequest{
		AccountID: types.AccountID(req.AccountID),
		PublicKey: types.NearPublicKey(req.PublicKey),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type createAccountAndRegisterRequestWire struct {
	NewAccountID              string          `json:"new_account_id" binding:"required"`
	NewPublicKey              string          `json:"new_public_key" binding:"required"`
	VRFData                   json.RawMessage `json:"vrf_data" binding:"required"`
	WebAuthnRegistration      json.RawMessage `json:"webauthn_registration" binding:"required"`
	DeterministicVRFPublicKey string          `json:"deterministic_vrf_public_key"`
	AuthenticatorOptions      json.RawMessage `json:"authenticator_options"`
	Deposit                   string          `json:"deposit"`
}

func (s *Service) handleCreateAccountAndRegister(c *gin.Context) {
	var req createAccountAndRegisterRequestWire
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, svcerr.Wrap(svcerr.CodeInputInvalid, "invalid request body", err))
		return
	}
	result, err := s.CreateAccountAndRegisterUser(c.Request.Context(), CreateAccountAndRegisterRequest{
		NewAccountID:              types.AccountID(req.NewAccountID),
		NewPublicKey:              types.NearPublicKey(req.NewPublicKey),
		VRFData:                   req.VRFData,
		WebAuthnRegistration:      req.WebAuthnRegistration,
		DeterministicVRFPublicKey: types.NearPublicKey(req.DeterministicVRFPublicKey),
		AuthenticatorOptions:      req.AuthenticatorOptions,
		Deposit:                   req.Deposit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type verifyAuthenticationRequestWire struct {
	AccountID              string          `json:"account_id" binding:"required"`
	VRFData                json.RawMessage `json:"vrf_data" binding:"required"`
	WebAuthnAuthentication json.RawMessage `json:"webauthn_authentication" binding:"required"`
}

func (s *Service) handleVerifyAuthentication(c *gin.Context) {
	var req verifyAuthenticationRequestWire
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, svcerr.Wrap(svcerr.CodeInputInvalid, "invalid request body", err))
		return
	}
	result, err := s.VerifyAuthentication(c.Request.Context(), VerifyAuthenticationRequest{
		AccountID:              types.AccountID(req.AccountID),
		VRFData:                req.VRFData,
		WebAuthnAuthentication: req.WebAuthnAuthentication,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type shamirValueRequestWire struct {
	Value string `json:"value" binding:"required"` // base-10 big integer
	KeyID string `json:"key_id"`
}

type shamirValueResponseWire struct {
	Value string `json:"value"`
	KeyID string `json:"key_id,omitempty"`
}

func (s *Service) handleShamirApply(c *gin.Context) {
	if s.shamir == nil {
		writeError(c, svcerr.New(svcerr.CodeShamirNotInit, "shamir service not configured"))
		return
	}
	var req shamirValueRequestWire
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, svcerr.Wrap(svcerr.CodeInputInvalid, "invalid request body", err))
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		writeError(c, svcerr.New(svcerr.CodeInputInvalid, "value must be a base-10 integer"))
		return
	}
	locked, keyID, err := s.shamir.ApplyServerLock(value)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, shamirValueResponseWire{Value: locked.String(), KeyID: keyID})
}

func (s *Service) handleShamirRemove(c *gin.Context) {
	if s.shamir == nil {
		writeError(c, svcerr.New(svcerr.CodeShamirNotInit, "shamir service not configured"))
		return
	}
	var req shamirValueRequestWire
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, svcerr.Wrap(svcerr.CodeInputInvalid, "invalid request body", err))
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		writeError(c, svcerr.New(svcerr.CodeInputInvalid, "value must be a base-10 integer"))
		return
	}
	unlocked, err := s.shamir.RemoveServerLock(value, req.KeyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, shamirValueResponseWire{Value: unlocked.String()})
}

func (s *Service) handleShamirRotate(c *gin.Context) {
	if s.shamir == nil {
		writeError(c, svcerr.New(svcerr.CodeShamirNotInit, "shamir service not configured"))
		return
	}
	info, err := s.shamir.Rotate(s.rotation.GraceTTL, s.rotation.MaxGraceKeys)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordShamirRotation()
	}
	c.JSON(http.StatusOK, info)
}

func (s *Service) handleShamirInfo(c *gin.Context) {
	if s.shamir == nil {
		writeError(c, svcerr.New(svcerr.CodeShamirNotInit, "shamir service not configured"))
		return
	}
	info, err := s.shamir.Info()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": info})
}

func (s *Service) handleShamirListGrace(c *gin.Context) {
	s.handleShamirInfo(c)
}

type shamirAddGraceRequestWire struct {
	E string `json:"e" binding:"required"`
	D string `json:"d" binding:"required"`
}

func (s *Service) handleShamirAddGrace(c *gin.Context) {
	if s.shamir == nil {
		writeError(c, svcerr.New(svcerr.CodeShamirNotInit, "shamir service not configured"))
		return
	}
	var req shamirAddGraceRequestWire
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, svcerr.Wrap(svcerr.CodeInputInvalid, "invalid request body", err))
		return
	}
	e, ok := new(big.Int).SetString(req.E, 10)
	if !ok {
		writeError(c, svcerr.New(svcerr.CodeInputInvalid, "e must be a base-10 integer"))
		return
	}
	d, ok := new(big.Int).SetString(req.D, 10)
	if !ok {
		writeError(c, svcerr.New(svcerr.CodeInputInvalid, "d must be a base-10 integer"))
		return
	}
	expiry := time.Now().Add(s.rotation.GraceTTL)
	kp := shamir.KeyPair{KeyID: uuid.NewString(), E: e, D: d, CreatedAt: time.Now(), ExpiresAt: &expiry}
	if err := s.shamir.AddGraceKey(kp); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, kp.Info())
}

func (s *Service) handleShamirRemoveGrace(c *gin.Context) {
	if s.shamir == nil {
		writeError(c, svcerr.New(svcerr.CodeShamirNotInit, "shamir service not configured"))
		return
	}
	keyID := c.Param("keyID")
	if err := s.shamir.RemoveGraceKey(keyID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": keyID})
}
