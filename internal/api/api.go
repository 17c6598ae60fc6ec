// Package api exposes the decision engine over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"feednotify/internal/diagnostics"
	"feednotify/internal/discord"
	"feednotify/internal/fetcher"
	"feednotify/internal/filter"
	"feednotify/internal/ledger"
	"feednotify/internal/model"
	"feednotify/internal/pipeline"
	"feednotify/internal/placeholder"
	"feednotify/internal/storage"
)

// maxDiagnoseLimit caps how many articles one diagnosis may examine.
const maxDiagnoseLimit = 50

// Server wires the HTTP surface to the engine's services.
type Server struct {
	apiKey      string
	fetcher     fetcher.SnapshotFetcher
	ledger      *ledger.Service
	diagnostics *diagnostics.Service
	pipeline    *pipeline.Handler
	dispatcher  discord.Dispatcher
	store       storage.Storage
	logger      *slog.Logger
}

// New returns an HTTP Server.
func New(
	apiKey string,
	f fetcher.SnapshotFetcher,
	led *ledger.Service,
	diag *diagnostics.Service,
	pipe *pipeline.Handler,
	dispatcher discord.Dispatcher,
	store storage.Storage,
	logger *slog.Logger,
) *Server {
	return &Server{
		apiKey:      apiKey,
		fetcher:     f,
		ledger:      led,
		diagnostics: diag,
		pipeline:    pipe,
		dispatcher:  dispatcher,
		store:       store,
		logger:      logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1/user-feeds")
	v1.GET("/health", s.health)

	authed := v1.Group("", s.requireAPIKey)
	authed.POST("/filter-validation", s.filterValidation)
	authed.POST("/test", s.sendTestArticle)
	authed.POST("/preview", s.preview)
	authed.POST("/validate-discord-payload", s.validateDiscordPayload)
	authed.POST("/get-articles", s.getArticles)
	authed.POST("/diagnose-articles", s.diagnoseArticles)
	authed.POST("/events", s.handleFeedEvent)
	authed.GET("/:feedId/delivery-count", s.deliveryCount)
	authed.GET("/:feedId/delivery-logs", s.deliveryLogs)
	authed.DELETE("/:feedId", s.deleteFeed)

	return router
}

// requireAPIKey rejects requests without the correct api-key header.
func (s *Server) requireAPIKey(c *gin.Context) {
	if c.GetHeader("api-key") != s.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) filterValidation(c *gin.Context) {
	var req struct {
		Expression *filter.Expression `json:"expression"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}

	errs := filter.Validate(req.Expression)
	if errs == nil {
		errs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"result": gin.H{"errors": errs}})
}

type previewRequest struct {
	Type               string                          `json:"type"`
	Feed               model.Feed                      `json:"feed"`
	Article            map[string]string               `json:"article"`
	MediumDetails      model.MediumDetails             `json:"mediumDetails"`
	CustomPlaceholders []placeholder.CustomPlaceholder `json:"customPlaceholders"`
	IncludePreviews    bool                            `json:"includeCustomPlaceholderPreviews"`
}

func (s *Server) preview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	if req.Article == nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "article is required"})
		return
	}

	fields, err := placeholder.ApplyAll(req.CustomPlaceholders, req.Article)
	if err != nil {
		var regexErr *placeholder.RegexEvalError
		if errors.As(err, &regexErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"code":    placeholder.RegexEvalErrorCode,
				"message": regexErr.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
		return
	}

	payload := discord.BuildPayload(req.MediumDetails, fields)
	result := gin.H{"messages": []discord.Payload{payload}}

	if req.IncludePreviews {
		previews := make([]gin.H, 0, len(req.CustomPlaceholders))
		for _, p := range req.CustomPlaceholders {
			trace, err := placeholder.ResolveWithTrace(p, req.Article)
			if err != nil {
				var regexErr *placeholder.RegexEvalError
				if errors.As(err, &regexErr) {
					c.JSON(http.StatusUnprocessableEntity, gin.H{
						"code":    placeholder.RegexEvalErrorCode,
						"message": regexErr.Error(),
					})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
				return
			}
			previews = append(previews, gin.H{
				"referenceName": p.ReferenceName,
				"values":        trace,
			})
		}
		result["customPlaceholderPreviews"] = previews
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result})
}

type testRequest struct {
	Type          string              `json:"type"`
	Feed          model.Feed          `json:"feed"`
	MediumDetails model.MediumDetails `json:"mediumDetails"`
}

// sendTestArticle fetches the feed's newest article and dispatches it once,
// for a manually triggered "send test article" action.
func (s *Server) sendTestArticle(c *gin.Context) {
	var req testRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	if req.Feed.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "feed.url is required"})
		return
	}

	snapshot, err := s.fetcher.Fetch(c.Request.Context(), req.Feed.URL)
	if err != nil {
		s.respondFetchError(c, err)
		return
	}
	if len(snapshot.Articles) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "no-articles"})
		return
	}

	article := snapshot.Articles[0]
	payload := discord.BuildPayload(req.MediumDetails, article.Fields)
	result, err := s.dispatcher.Dispatch(c.Request.Context(), req.MediumDetails, payload)
	if err != nil {
		s.logger.Error("test dispatch failed", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "failed"})
		return
	}

	status := "success"
	if result.Status >= 400 {
		status = "rejected"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "apiPayload": payload})
}

func (s *Server) validateDiscordPayload(c *gin.Context) {
	var req struct {
		Data discord.Payload `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}

	valid, errs := discord.ValidatePayload(req.Data)
	resp := gin.H{"valid": valid}
	if !valid {
		resp["errors"] = errs
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) deliveryCount(c *gin.Context) {
	raw := c.Query("timeWindowSec")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "timeWindowSec query parameter is required"})
		return
	}
	windowSec, err := strconv.Atoi(raw)
	if err != nil || windowSec <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "timeWindowSec must be a positive integer"})
		return
	}

	scope := storage.CountScope{FeedID: c.Param("feedId")}
	count, err := s.ledger.CountInWindow(c.Request.Context(), scope, windowSec)
	if err != nil {
		s.logger.Error("delivery count failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": gin.H{"count": count}})
}

func (s *Server) deliveryLogs(c *gin.Context) {
	rawSkip := c.Query("skip")
	if rawSkip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "skip query parameter is required"})
		return
	}
	skip, err := strconv.Atoi(rawSkip)
	if err != nil || skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "skip must be a non-negative integer"})
		return
	}
	limit := 25
	if rawLimit := c.Query("limit"); rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer"})
			return
		}
	}

	logs, err := s.ledger.ListLogs(c.Request.Context(), c.Param("feedId"), skip, limit)
	if err != nil {
		s.logger.Error("delivery logs failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": gin.H{"logs": logs}})
}

type getArticlesRequest struct {
	URL              string   `json:"url"`
	Limit            int      `json:"limit"`
	Skip             int      `json:"skip"`
	SelectProperties []string `json:"selectProperties"`
}

func (s *Server) getArticles(c *gin.Context) {
	var req getArticlesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	if req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "url is required"})
		return
	}

	snapshot, err := s.fetcher.Fetch(c.Request.Context(), req.URL)
	if err != nil {
		var reqErr *fetcher.RequestError
		if errors.As(err, &reqErr) {
			c.JSON(http.StatusOK, gin.H{"result": gin.H{
				"requestStatus": reqErr.ErrorType,
				"articles":      []gin.H{},
				"totalArticles": 0,
			}})
			return
		}
		s.logger.Error("get articles failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
		return
	}

	selected := snapshot.Articles
	if req.Skip > 0 {
		if req.Skip >= len(selected) {
			selected = nil
		} else {
			selected = selected[req.Skip:]
		}
	}
	if req.Limit > 0 && req.Limit < len(selected) {
		selected = selected[:req.Limit]
	}

	props := req.SelectProperties
	if len(props) == 0 {
		props = []string{"id", "title"}
	}

	articles := make([]map[string]string, 0, len(selected))
	for _, a := range selected {
		entry := make(map[string]string, len(props))
		for _, p := range props {
			entry[p] = a.Fields[p]
		}
		articles = append(articles, entry)
	}

	c.JSON(http.StatusOK, gin.H{"result": gin.H{
		"requestStatus": "success",
		"articles":      articles,
		"totalArticles": len(snapshot.Articles),
	}})
}

type diagnoseRequest struct {
	Feed            model.Feed     `json:"feed"`
	Mediums         []model.Medium `json:"mediums"`
	ArticleDayLimit int            `json:"articleDayLimit"`
	Skip            int            `json:"skip"`
	Limit           int            `json:"limit"`
	SummaryOnly     bool           `json:"summaryOnly"`
}

func (s *Server) diagnoseArticles(c *gin.Context) {
	var req diagnoseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	if req.Feed.ID == "" || req.Feed.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "feed.id and feed.url are required"})
		return
	}
	if req.Limit < 1 || req.Limit > maxDiagnoseLimit {
		c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be between 1 and 50"})
		return
	}
	if req.Skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "skip must be a non-negative integer"})
		return
	}

	resp, err := s.diagnostics.Diagnose(c.Request.Context(), diagnostics.Request{
		Feed:            req.Feed,
		Mediums:         req.Mediums,
		ArticleDayLimit: req.ArticleDayLimit,
		Skip:            req.Skip,
		Limit:           req.Limit,
		SummaryOnly:     req.SummaryOnly,
	})
	if err != nil {
		s.logger.Error("diagnose failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// deleteFeed drops the feed's comparison history and response hash. The
// delivery ledger is kept for audit.
func (s *Server) deleteFeed(c *gin.Context) {
	feedID := c.Param("feedId")
	if err := s.store.DeleteFeed(c.Request.Context(), feedID); err != nil {
		s.logger.Error("delete feed failed", "feed_id", feedID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleFeedEvent runs one full delivery pass for a feed-update event. The
// poller posts here each time it sees fresh feed bytes.
func (s *Server) handleFeedEvent(c *gin.Context) {
	var event pipeline.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	if event.Feed.ID == "" || event.Feed.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "feed.id and feed.url are required"})
		return
	}

	if err := s.pipeline.HandleFeedEvent(c.Request.Context(), event); err != nil {
		s.logger.Error("feed event failed", "feed_id", event.Feed.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) respondFetchError(c *gin.Context, err error) {
	var reqErr *fetcher.RequestError
	if errors.As(err, &reqErr) {
		c.JSON(http.StatusOK, gin.H{
			"status": "feed-error",
			"feedState": gin.H{
				"state":     reqErr.State,
				"errorType": reqErr.ErrorType,
			},
		})
		return
	}
	s.logger.Error("fetch failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
}
