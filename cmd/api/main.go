package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"

	"github.com/seanblong/reposearch/internal/auth"
	"github.com/seanblong/reposearch/internal/blobstore"
	"github.com/seanblong/reposearch/internal/config"
	"github.com/seanblong/reposearch/internal/embedding"
	"github.com/seanblong/reposearch/internal/jobqueue"
	"github.com/seanblong/reposearch/internal/producer"
	"github.com/seanblong/reposearch/internal/query"
	"github.com/seanblong/reposearch/internal/retriever"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

func main() {
	fs := pflag.NewFlagSet("reposearch-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting reposearch api")

	auth.InitializeAuth(
		cfg.Auth.JwtSecret,
		cfg.Auth.GithubClientID,
		cfg.Auth.GithubClientSecret,
		cfg.Auth.GithubRedirectURL,
		cfg.Auth.GithubAllowedOrg,
		cfg.Auth.Enabled,
	)

	ctx := context.Background()

	blobs, err := blobstore.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect blob store: %v", err)
	}
	defer blobs.Close()
	if err := blobs.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate blob store: %v", err)
	}

	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create embedding client: %v", err)
	}
	logger.Info().Int("embedding_dim", embedder.Dim()).Str("provider", cfg.Provider).Msg("embedding client initialized")

	vectors := vectorstore.New(vectorstore.Config{
		Host:           cfg.ChromaHost,
		Port:           cfg.ChromaPort,
		SSL:            cfg.ChromaSSL,
		CollectionName: cfg.ChromaCollectionName,
		BatchSize:      cfg.VectorStoreBatchSize,
	})

	retr := &retriever.Retriever{Vectors: vectors, Blobs: blobs}
	svc := &query.Service{Embedder: embedder, Retriever: retr}

	queue := jobqueue.New(jobqueue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queue.Close()

	prod := &producer.Producer{Queue: queue}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	mux.HandleFunc("/auth/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]bool{"enabled": auth.IsAuthEnabled()}); err != nil {
			http.Error(w, "Failed to encode response", 500)
		}
	})

	if auth.IsAuthEnabled() {
		log.Println("Authentication is ENABLED")
		registerAuthRoutes(mux)
	} else {
		log.Println("Authentication is DISABLED - running in open mode")
	}

	mux.HandleFunc("/ingestions/repository", auth.RequireAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		handleIngest(w, r, prod)
	}))

	mux.HandleFunc("/jobs/job/", auth.RequireAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/jobs/job/")
		if jobID == "" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		status, err := queue.Status(ctx, jobID)
		if err != nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}))

	mux.HandleFunc("/jobs/failed", auth.RequireAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		failed, err := queue.ListFailed(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(failed)
	}))

	mux.HandleFunc("/jobs/retry/all", auth.RequireAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		count, err := queue.RetryAll(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"retried": count})
	}))

	mux.HandleFunc("/jobs/retry/", auth.RequireAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/jobs/retry/")
		if jobID == "" || jobID == "all" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := queue.Retry(ctx, jobID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("/queries/search/", auth.OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		handleSearch(w, r, svc)
	}))

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)

	address := fmt.Sprintf(":%d", cfg.APIPort)
	s := &http.Server{Addr: address, Handler: handler}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

func handleIngest(w http.ResponseWriter, r *http.Request, prod *producer.Producer) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		RepoURL string         `json:"repoUrl"`
		Ref     string         `json:"ref"`
		Token   string         `json:"token"`
		RepoID  string         `json:"repoId"`
		Meta    map[string]any `json:"meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := auth.GetUserFromContext(r)
	userID := ""
	if user != nil {
		userID = user.Login
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	enqueued, err := prod.Enqueue(ctx, producer.Request{
		RepoURL: body.RepoURL,
		Ref:     body.Ref,
		Token:   body.Token,
		UserID:  userID,
		RepoID:  body.RepoID,
		Meta:    body.Meta,
	})
	if err != nil {
		var verr *producer.ValidationError
		if errors.As(err, &verr) {
			writeJSONError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(enqueued)
}

// handleSearch dispatches both /queries/search/{repoId} and
// /queries/search/{repoId}/chunk, the only two shapes under this prefix.
func handleSearch(w http.ResponseWriter, r *http.Request, svc *query.Service) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/queries/search/")
	rest = strings.TrimSuffix(rest, "/")
	chunkMode := false
	repoID := rest
	if strings.HasSuffix(rest, "/chunk") {
		chunkMode = true
		repoID = strings.TrimSuffix(rest, "/chunk")
	}
	if repoID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing repository id")
		return
	}

	var body struct {
		Prompt string         `json:"prompt"`
		K      int            `json:"k"`
		Meta   map[string]any `json:"meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	req := query.Request{Prompt: body.Prompt, K: body.K, Meta: body.Meta}

	runSearch := svc.Search
	if chunkMode {
		runSearch = svc.SearchChunks
	}

	chunks, err := runSearch(ctx, repoID, req)
	if err != nil {
		var berr *query.BadRequestError
		if errors.As(err, &berr) {
			writeJSONError(w, http.StatusBadRequest, berr.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(searchResponse{Results: chunks}); err != nil {
		log.Printf("failed to encode search response: %v", err)
	}
}

// searchResponse envelopes both search endpoints' results under a top-level
// "results" key.
type searchResponse struct {
	Results []models.Chunk `json:"results"`
}

// apiError is the structured body returned for ValidationError/BadRequestError
// responses: {statusCode, message, error}.
type apiError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{
		StatusCode: status,
		Message:    message,
		Error:      http.StatusText(status),
	})
}

// setSessionCookie issues a short-lived cookie; maxAge controls both the
// oauth_state handshake cookie (short) and the auth_token session cookie
// (24h). A negative maxAge clears the cookie instead.
func setSessionCookie(w http.ResponseWriter, r *http.Request, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https"),
		SameSite: http.SameSiteLaxMode,
	})
}

func registerAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/github", func(w http.ResponseWriter, r *http.Request) {
		state := auth.GenerateState()
		setSessionCookie(w, r, "oauth_state", state, 600)
		http.Redirect(w, r, auth.GetGithubLoginURL(state), http.StatusTemporaryRedirect)
	})

	mux.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")

		stateCookie, err := r.Cookie("oauth_state")
		if err != nil || stateCookie.Value != state {
			writeJSONError(w, http.StatusBadRequest, "invalid state parameter")
			return
		}
		setSessionCookie(w, r, "oauth_state", "", -1)

		if code == "" {
			writeJSONError(w, http.StatusBadRequest, "missing code parameter")
			return
		}

		accessToken, err := auth.ExchangeCodeForToken(code)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to exchange code for token")
			return
		}

		user, err := auth.GetGithubUser(accessToken)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to fetch github user: "+err.Error())
			return
		}

		token, err := auth.GenerateJWT(user)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to generate session token")
			return
		}

		setSessionCookie(w, r, "auth_token", token, 86400)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(auth.AuthResponse{User: *user, Token: token})
	})

	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		var tokenString string
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else if cookie, err := r.Cookie("auth_token"); err == nil {
			tokenString = cookie.Value
		}
		if tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "no authentication token")
			return
		}
		user, err := auth.ValidateJWT(tokenString)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(auth.AuthResponse{User: *user, Token: tokenString})
	})

	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		setSessionCookie(w, r, "auth_token", "", -1)
		w.WriteHeader(http.StatusOK)
	})
}

func newEmbedder(ctx context.Context, cfg config.Specification) (embedding.Client, error) {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "openai":
		return embedding.New(ctx, embedding.Config{
			APIKey:         cfg.OpenAIAPIKey,
			OrganizationID: cfg.OpenAIOrganizationID,
			ProjectID:      cfg.OpenAIProjectID,
			Model:          cfg.EmbedModel,
			Dim:            cfg.Dim,
			Provider:       embedding.ProviderOpenAI,
		})
	case "vertexai":
		return embedding.New(ctx, embedding.Config{
			APIKey:    cfg.APIKey,
			ProjectID: cfg.ProjectID,
			Location:  cfg.Location,
			Model:     cfg.EmbedModel,
			Dim:       cfg.Dim,
			Provider:  embedding.ProviderVertexAI,
		})
	case "stub", "":
		return embedding.New(ctx, embedding.Config{Dim: cfg.Dim, Provider: embedding.ProviderStub})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
