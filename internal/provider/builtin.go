package provider

import (
	"fmt"
	"net/http"
	"strings"
)

// Builtin returns the built-in providers in matching order. Descriptors with
// more specific key formats come before broader ones so auto-detection picks
// the narrowest match (sk-ant- and sk-or-v1- before plain sk-).
func Builtin(opts ...Option) []Descriptor {
	specs := []Spec{
		anthropicSpec,
		openRouterSpec,
		deepSeekSpec,
		openAISpec,
		githubSpec,
		googleSpec,
		huggingFaceSpec,
		nvidiaSpec,
		sendGridSpec,
		slackSpec,
		stripeSpec,
		togetherSpec,
		mistralSpec,
	}
	out := make([]Descriptor, len(specs))
	for i, s := range specs {
		out[i] = MustHTTPProvider(s, opts...)
	}
	return out
}

// DefaultRegistry returns a registry of the built-in providers.
func DefaultRegistry(opts ...Option) *Registry {
	return NewRegistry(Builtin(opts...)...)
}

// standard applies the mapping most providers share:
// 200 valid, 401 auth_failed, 403 insufficient_scope, 429 quota_exhausted.
func standard(detail func(*Response) string) Classifier {
	return func(r *Response) Outcome {
		switch r.StatusCode {
		case http.StatusOK:
			return Outcome{Status: StatusValid, Detail: detail(r)}
		case http.StatusUnauthorized:
			return Outcome{Status: StatusAuthFailed, Error: "Invalid API key"}
		case http.StatusForbidden:
			return Outcome{Status: StatusInsufficientScope, Error: "Forbidden"}
		case http.StatusTooManyRequests:
			return Outcome{Status: StatusQuotaExhausted, Error: "Rate limit exceeded"}
		}
		return httpError(r)
	}
}

func httpError(r *Response) Outcome {
	return Outcome{Status: StatusNetworkError, Error: fmt.Sprintf("HTTP %d", r.StatusCode)}
}

// countOf reports "<n> <noun> accessible" for a JSON array under field.
// An empty field means the body itself is the array.
func countOf(field, noun string) func(*Response) string {
	return func(r *Response) string {
		var n int
		if field == "" {
			var list []any
			if r.JSON(&list) {
				n = len(list)
			}
		} else {
			var obj map[string]any
			if r.JSON(&obj) {
				if list, ok := obj[field].([]any); ok {
					n = len(list)
				}
			}
		}
		return fmt.Sprintf("%d %s accessible", n, noun)
	}
}

func noDetail(*Response) string { return "" }

// apiErrorBody is the {"error": {...}} envelope used by several providers.
type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var openAISpec = Spec{
	Name:            "openai",
	EnvPatterns:     []string{`^OPENAI_API_KEY(_ALT\d+)?$`},
	KeyFormat:       `^sk-[A-Za-z0-9_-]{20,}$`,
	BaseURL:         "https://api.openai.com",
	Path:            "/v1/models",
	RateLimitPrefix: "x-ratelimit",
	Classify: func(r *Response) Outcome {
		if r.StatusCode == http.StatusForbidden {
			var body apiErrorBody
			r.JSON(&body)
			code := body.Error.Code
			if strings.Contains(code, "account") || strings.Contains(code, "deactivated") {
				return Outcome{Status: StatusSuspendedAccount, Error: code}
			}
			if code == "" {
				code = "Forbidden"
			}
			return Outcome{Status: StatusInsufficientScope, Error: code}
		}
		if r.StatusCode == http.StatusTooManyRequests {
			return Outcome{Status: StatusQuotaExhausted, Error: "Rate limit or quota exceeded"}
		}
		return standard(countOf("data", "models"))(r)
	},
}

var anthropicSpec = Spec{
	Name:            "anthropic",
	EnvPatterns:     []string{`^ANTHROPIC_API_KEY(_ALT\d+)?$`},
	KeyFormat:       `^sk-ant-[A-Za-z0-9_-]{20,}$`,
	BaseURL:         "https://api.anthropic.com",
	Path:            "/v1/models",
	Auth:            AuthHeader,
	AuthHeader:      "x-api-key",
	Headers:         map[string]string{"anthropic-version": "2023-06-01"},
	RateLimitPrefix: "anthropic-ratelimit-requests",
	Classify:        standard(countOf("data", "models")),
}

var githubSpec = Spec{
	Name: "github",
	EnvPatterns: []string{
		`^GITHUB_(TOKEN|API_KEY|PAT)(_ALT\d+)?$`,
		`^GH_TOKEN(_ALT\d+)?$`,
	},
	KeyFormat:       `^(ghp_[A-Za-z0-9]{36}|gho_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}|v[0-9]\.[0-9a-f]{40})$`,
	BaseURL:         "https://api.github.com",
	Path:            "/user",
	Headers:         map[string]string{"Accept": "application/vnd.github+json"},
	RateLimitPrefix: "x-ratelimit",
	Classify: func(r *Response) Outcome {
		switch r.StatusCode {
		case http.StatusOK:
			var user struct {
				Login string `json:"login"`
			}
			r.JSON(&user)
			if user.Login == "" {
				user.Login = "unknown"
			}
			return Outcome{Status: StatusValid, Detail: "user:" + user.Login}
		case http.StatusUnauthorized:
			return Outcome{Status: StatusAuthFailed, Error: "Bad credentials"}
		case http.StatusForbidden:
			if r.Header.Get("x-ratelimit-remaining") == "0" {
				return Outcome{Status: StatusQuotaExhausted, Error: "Rate limit exceeded"}
			}
			return Outcome{Status: StatusInsufficientScope, Error: "Forbidden, missing scopes"}
		}
		return httpError(r)
	},
}

var googleSpec = Spec{
	Name:        "google",
	EnvPatterns: []string{`^(GOOGLE_API_KEY|GEMINI_API_KEY)(_ALT\d+)?$`},
	KeyFormat:   `^AIza[A-Za-z0-9_-]{35,60}$`,
	BaseURL:     "https://generativelanguage.googleapis.com",
	Path:        "/v1beta/models",
	Auth:        AuthQuery,
	QueryParam:  "key",
	Classify: func(r *Response) Outcome {
		switch r.StatusCode {
		case http.StatusOK:
			return Outcome{Status: StatusValid, Detail: countOf("models", "models")(r)}
		case http.StatusBadRequest:
			return Outcome{Status: StatusAuthFailed, Error: "Invalid API key"}
		case http.StatusForbidden:
			var body apiErrorBody
			r.JSON(&body)
			msg := body.Error.Message
			if msg == "" {
				msg = "Forbidden"
			}
			lower := strings.ToLower(msg)
			if strings.Contains(lower, "disabled") || strings.Contains(lower, "not enabled") {
				return Outcome{Status: StatusSuspendedAccount, Error: msg}
			}
			return Outcome{Status: StatusInsufficientScope, Error: msg}
		case http.StatusTooManyRequests:
			return Outcome{Status: StatusQuotaExhausted, Error: "Quota exceeded"}
		}
		return httpError(r)
	},
}

var huggingFaceSpec = Spec{
	Name:        "huggingface",
	EnvPatterns: []string{`^(HUGGINGFACE_TOKEN|HF_TOKEN|HF_API_KEY|HF_PERSONAL_AUTHENTICATION_TOKEN|HUGGING_FACE_API_KEY)(_ALT\d+)?$`},
	KeyFormat:   `^hf_[A-Za-z0-9]{20,}$`,
	BaseURL:     "https://huggingface.co",
	Path:        "/api/whoami-v2",
	Classify: standard(func(r *Response) string {
		var who struct {
			Name string `json:"name"`
		}
		r.JSON(&who)
		return who.Name
	}),
}

var mistralSpec = Spec{
	Name:        "mistral",
	EnvPatterns: []string{`^MISTRAL_API_KEY(_ALT\d+)?$`},
	KeyFormat:   `^[A-Za-z0-9]{20,}$`,
	BaseURL:     "https://api.mistral.ai",
	Path:        "/v1/models",
	Classify:    standard(countOf("data", "models")),
}

var deepSeekSpec = Spec{
	Name:        "deepseek",
	EnvPatterns: []string{`^DEEPSEEK_API_KEY(_ALT\d+)?$`},
	KeyFormat:   `^sk-[a-f0-9]{32,}$`,
	BaseURL:     "https://api.deepseek.com",
	Path:        "/models",
	Classify:    standard(countOf("data", "models")),
}

var togetherSpec = Spec{
	Name:        "together",
	EnvPatterns: []string{`^TOGETHER_(AI_)?API_KEY(_ALT\d+)?$`},
	KeyFormat:   `^[a-f0-9]{64}$`,
	BaseURL:     "https://api.together.xyz",
	Path:        "/v1/models",
	Classify:    standard(countOf("", "models")),
}

var openRouterSpec = Spec{
	Name:        "openrouter",
	EnvPatterns: []string{`^OPEN_?ROUTER_(API_KEY|MANAGEMENT_KEY)(_ALT\d+)?$`},
	KeyFormat:   `^sk-or-v1-[a-f0-9]{64}$`,
	BaseURL:     "https://openrouter.ai",
	Path:        "/api/v1/auth/key",
	Classify: func(r *Response) Outcome {
		if r.StatusCode == http.StatusForbidden {
			return Outcome{Status: StatusAuthFailed, Error: "Invalid API key"}
		}
		return standard(func(r *Response) string {
			var body struct {
				Data struct {
					Label string `json:"label"`
				} `json:"data"`
			}
			r.JSON(&body)
			return body.Data.Label
		})(r)
	},
}

var nvidiaSpec = Spec{
	Name:        "nvidia",
	EnvPatterns: []string{`^NVIDIA_API_KEY(_ALT\d+)?$`},
	KeyFormat:   `^nvapi-[A-Za-z0-9_-]{40,}$`,
	BaseURL:     "https://api.nvcf.nvidia.com",
	Path:        "/v2/nvcf/functions",
	Classify: func(r *Response) Outcome {
		if r.StatusCode == http.StatusForbidden {
			return Outcome{Status: StatusAuthFailed, Error: "Invalid API key"}
		}
		return standard(countOf("functions", "functions"))(r)
	},
}

var sendGridSpec = Spec{
	Name:        "sendgrid",
	EnvPatterns: []string{`^SENDGRID_API_KEY(_ALT\d+)?$`},
	KeyFormat:   `^SG\.[A-Za-z0-9_-]{22}\.[A-Za-z0-9_-]{43}$`,
	BaseURL:     "https://api.sendgrid.com",
	Path:        "/v3/scopes",
	Classify:    standard(countOf("scopes", "scopes")),
}

var slackSpec = Spec{
	Name:        "slack",
	EnvPatterns: []string{`^SLACK_(BOT_TOKEN|TOKEN|API_TOKEN)(_ALT\d+)?$`},
	KeyFormat:   `^xox[bpas]-[A-Za-z0-9-]{10,}$`,
	BaseURL:     "https://slack.com",
	Method:      http.MethodPost,
	Path:        "/api/auth.test",
	Classify: func(r *Response) Outcome {
		if r.StatusCode == http.StatusTooManyRequests {
			retry := r.Header.Get("Retry-After")
			if retry == "" {
				retry = "unknown"
			}
			return Outcome{Status: StatusQuotaExhausted, Error: "Rate limited, retry after " + retry + "s"}
		}
		if r.StatusCode != http.StatusOK {
			return httpError(r)
		}
		// Slack reports auth failures inside a 200.
		var body struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
			User  string `json:"user"`
			Team  string `json:"team"`
		}
		r.JSON(&body)
		if !body.OK {
			switch body.Error {
			case "account_inactive":
				return Outcome{Status: StatusSuspendedAccount, Error: body.Error}
			case "missing_scope":
				return Outcome{Status: StatusInsufficientScope, Error: body.Error}
			}
			return Outcome{Status: StatusAuthFailed, Error: body.Error}
		}
		return Outcome{Status: StatusValid, Detail: body.User + "@" + body.Team}
	},
}

var stripeSpec = Spec{
	Name:        "stripe",
	EnvPatterns: []string{`^(STRIPE_(SECRET_KEY|API_KEY|RESTRICTED_KEY))(_ALT\d+)?$`},
	KeyFormat:   `^(sk|rk)_(test|live)_[A-Za-z0-9]{10,}$`,
	BaseURL:     "https://api.stripe.com",
	Path:        "/v1/account",
	Auth:        AuthBasic,
	Classify: func(r *Response) Outcome {
		if r.StatusCode == http.StatusForbidden {
			var body apiErrorBody
			r.JSON(&body)
			if body.Error.Code == "account_invalid" {
				return Outcome{Status: StatusSuspendedAccount, Error: "Account suspended"}
			}
			msg := body.Error.Message
			if msg == "" {
				msg = "Forbidden"
			}
			return Outcome{Status: StatusInsufficientScope, Error: msg}
		}
		return standard(func(r *Response) string {
			var acct struct {
				ID string `json:"id"`
			}
			r.JSON(&acct)
			return acct.ID
		})(r)
	},
}
