package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/assetvault/go-assetvault/service/progress"
	"github.com/assetvault/go-assetvault/service/registry"
	"github.com/assetvault/go-assetvault/service/rpc"
	sentryutil "github.com/assetvault/go-assetvault/service/sentry"
	"github.com/assetvault/go-assetvault/util"
	"github.com/gin-gonic/gin"
)

// HandlersInit registers every route on the router.
func HandlersInit(router *gin.Engine, clients *Clients) *gin.Engine {
	router.GET("/alive", alive(clients))

	assets := router.Group("/assets")
	assets.POST("", registerAsset(clients))
	assets.POST("/batch", batchRegister(clients))
	assets.GET("", listAssets(clients))
	assets.GET("/:id", getAsset(clients))
	assets.POST("/:id/certify", certifyAsset(clients))
	assets.PUT("/:id/metadata", updateMetadata(clients))
	assets.DELETE("/:id", deleteAsset(clients))
	assets.POST("/:id/verify", verifyAsset(clients))

	router.GET("/certifiers", listCertifiers(clients))
	router.PUT("/certifiers", setCertifiers(clients))

	router.GET("/uploads/:id/progress", uploadProgress(clients))
	return router
}

// alive reports process liveness plus whether any IPFS node is reachable.
// Degraded storage keeps the endpoint at 200; it is a liveness probe, not a
// readiness gate.
func alive(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"status": "OK"}
		if clients.Store != nil {
			resp["ipfs"] = clients.Store.IsUp()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func registerAsset(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := parseRegisterForm(c)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		session := clients.Tracker.Start()
		req.Session = session

		if c.Query("async") == "true" {
			ctx := sentryutil.NewSentryHubContext(c.Request.Context())
			go func() {
				defer sentryutil.RecoverAndRaise(ctx)
				if _, err := clients.Registry.RegisterAsset(ctx, req); err != nil {
					logger.For(ctx).Errorf("async registration failed: %s", err)
				}
			}()
			c.JSON(http.StatusAccepted, gin.H{"upload_id": session})
			return
		}

		result, err := clients.Registry.RegisterAsset(c.Request.Context(), req)
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"upload_id": session, "asset": result})
	}
}

func batchRegister(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		owner := persist.EthereumAddress(c.PostForm("owner"))

		files := form.File["files"]
		if len(files) == 0 {
			util.ErrResponse(c, http.StatusBadRequest, errors.New("no files provided"))
			return
		}

		reqs := make([]registry.RegisterRequest, 0, len(files))
		for _, header := range files {
			content, err := readUpload(header)
			if err != nil {
				util.ErrResponse(c, http.StatusBadRequest, err)
				return
			}
			reqs = append(reqs, registry.RegisterRequest{
				Content: content,
				Owner:   owner,
				Metadata: persist.AssetMetadata{
					FileName: header.Filename,
					FileType: header.Header.Get("Content-Type"),
					FileSize: header.Size,
					Created:  time.Now().UTC().Format(time.RFC3339),
				},
			})
		}

		results := clients.Registry.BatchRegister(c.Request.Context(), reqs, 4)
		c.JSON(http.StatusOK, gin.H{"results": results})
	}
}

func listAssets(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := persist.EthereumAddress(c.Query("owner"))
		if owner == "" {
			util.ErrResponse(c, http.StatusBadRequest, errors.New("owner query parameter is required"))
			return
		}

		page, _ := strconv.Atoi(c.Query("page"))
		pageSize, _ := strconv.Atoi(c.Query("page_size"))
		opts := registry.UserAssetsOptions{
			Page:         page,
			PageSize:     pageSize,
			ForceRefresh: c.Query("refresh") == "true",
		}

		result, err := clients.Registry.UserAssets(c.Request.Context(), owner, opts)
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func getAsset(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenID, err := parseTokenID(c)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		asset, err := clients.Registry.GetAssetPreview(c.Request.Context(), tokenID)
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, asset)
	}
}

type certifyInput struct {
	Comment  string `json:"comment" binding:"required"`
	Deadline int64  `json:"deadline"`
}

func certifyAsset(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenID, err := parseTokenID(c)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		var input certifyInput
		if err := c.ShouldBindJSON(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		deadline := time.Now().Add(time.Hour)
		if input.Deadline > 0 {
			deadline = time.Unix(input.Deadline, 0)
		}

		txHash, err := clients.Registry.CertifyAsset(c.Request.Context(), tokenID, input.Comment, deadline)
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tx_hash": txHash})
	}
}

func updateMetadata(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenID, err := parseTokenID(c)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		req, err := parseRegisterForm(c)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		cid, err := clients.Registry.UpdateMetadata(c.Request.Context(), tokenID, req.Content, req.Metadata)
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cid": cid})
	}
}

func deleteAsset(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenID, err := parseTokenID(c)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		txHash, err := clients.Registry.DeleteAsset(c.Request.Context(), tokenID)
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tx_hash": txHash})
	}
}

func verifyAsset(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenID, err := parseTokenID(c)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		header, err := c.FormFile("file")
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		content, err := readUpload(header)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		valid, err := clients.Registry.VerifyAsset(c.Request.Context(), tokenID, content)
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": valid})
	}
}

func listCertifiers(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		certifiers, err := clients.Registry.Certifiers(c.Request.Context())
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"certifiers": certifiers})
	}
}

type setCertifiersInput struct {
	Certifiers []string `json:"certifiers" binding:"required,min=1,dive,required"`
}

func setCertifiers(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input setCertifiersInput
		if err := c.ShouldBindJSON(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		certifiers := make([]persist.EthereumAddress, len(input.Certifiers))
		for i, addr := range input.Certifiers {
			certifiers[i] = persist.EthereumAddress(addr)
		}

		txHash, err := clients.Registry.SetCertifiers(c.Request.Context(), certifiers)
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tx_hash": txHash})
	}
}

func uploadProgress(clients *Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := persist.DBID(c.Param("id"))
		pct, err := clients.Tracker.Get(id)
		if err != nil {
			util.ErrResponse(c, http.StatusNotFound, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"upload_id": id, "progress": pct, "failed": pct == progress.Failed})
	}
}

func parseRegisterForm(c *gin.Context) (registry.RegisterRequest, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return registry.RegisterRequest{}, errors.New("file is required")
	}
	content, err := readUpload(header)
	if err != nil {
		return registry.RegisterRequest{}, err
	}

	fileType := c.PostForm("file_type")
	if fileType == "" {
		fileType = header.Header.Get("Content-Type")
	}

	var tags []string
	if raw := c.PostForm("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	return registry.RegisterRequest{
		Content: content,
		Owner:   persist.EthereumAddress(c.PostForm("owner")),
		Metadata: persist.AssetMetadata{
			FileName:    header.Filename,
			FileType:    fileType,
			FileSize:    header.Size,
			Category:    c.PostForm("category"),
			Description: c.PostForm("description"),
			Tags:        tags,
			Created:     time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func parseTokenID(c *gin.Context) (persist.TokenID, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errors.New("asset id must be a positive integer")
	}
	return persist.TokenID(id), nil
}

// respondPipelineError maps pipeline and chain failures onto HTTP statuses and
// includes the stage and kind so clients can distinguish retryable failures.
func respondPipelineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := util.ErrorResponse{Error: err.Error()}

	var notFound persist.ErrAssetNotFound
	var notOwner persist.ErrNotOwner
	var pipelineErr registry.Error
	var sessionErr progress.ErrSessionNotFound

	switch {
	case errors.As(err, &notFound), errors.As(err, &sessionErr):
		status = http.StatusNotFound
	case errors.As(err, &notOwner):
		status = http.StatusForbidden
	case errors.As(err, &pipelineErr):
		body.Stage = string(pipelineErr.Stage)
		body.Kind = pipelineErr.Kind
		switch {
		case pipelineErr.Stage == registry.StageValidating:
			status = http.StatusBadRequest
		case pipelineErr.Kind == string(rpc.KindUserRejected):
			status = http.StatusBadRequest
		case pipelineErr.Kind == string(rpc.KindDuplicateContent):
			status = http.StatusConflict
		case pipelineErr.Kind == string(rpc.KindPermissionDenied):
			status = http.StatusForbidden
		case pipelineErr.Kind == string(rpc.KindInsufficientFunds):
			status = http.StatusPaymentRequired
		case pipelineErr.Kind == string(rpc.KindNetwork):
			status = http.StatusBadGateway
		}
	}
	c.JSON(status, body)
}
