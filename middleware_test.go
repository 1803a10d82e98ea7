package mcpforge

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func helloHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareRequiredRejectsMissingToken(t *testing.T) {
	mw := AuthMiddleware(NewTokenValidator([]string{"good"}), true, nil)
	rec := httptest.NewRecorder()
	mw(helloHandler())(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a missing required token, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRequiredAcceptsValidToken(t *testing.T) {
	mw := AuthMiddleware(NewTokenValidator([]string{"good"}), true, nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	mw(helloHandler())(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a valid token, got %d", rec.Code)
	}
}

func TestAuthMiddlewareOptionalAllowsMissingToken(t *testing.T) {
	mw := AuthMiddleware(NewTokenValidator([]string{"good"}), false, nil)
	rec := httptest.NewRecorder()
	mw(helloHandler())(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when auth is optional and no token given, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAttachesAuthContextForDownstreamHandlers(t *testing.T) {
	mw := AuthMiddleware(NewTokenValidator([]string{"good"}), true, nil)
	var seen *AuthContext
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AuthContextFromRequest(r)
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	mw(inner)(httptest.NewRecorder(), req)
	if seen == nil || seen.Token != "good" {
		t.Fatalf("expected the downstream handler to see the resolved AuthContext, got %+v", seen)
	}
}

func TestAuthMiddlewareInvalidTokenTreatedAsMissing(t *testing.T) {
	mw := AuthMiddleware(NewTokenValidator([]string{"good"}), true, nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	mw(helloHandler())(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid token under required auth, got %d", rec.Code)
	}
}

func TestRecoveryMiddlewareTurnsPanicInto500(t *testing.T) {
	mw := RecoveryMiddleware(nil)
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rec := httptest.NewRecorder()
	mw(panicking)(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after a recovered panic, got %d", rec.Code)
	}
}

func TestSecurityHeadersMiddlewareSetsBaselineHeaders(t *testing.T) {
	mw := SecurityHeadersMiddleware(false)
	rec := httptest.NewRecorder()
	mw(helloHandler())(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected X-Content-Type-Options: nosniff")
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("expected no HSTS header when TLS is disabled")
	}
}

func TestSecurityHeadersMiddlewareAddsHSTSWhenTLSEnabled(t *testing.T) {
	mw := SecurityHeadersMiddleware(true)
	rec := httptest.NewRecorder()
	mw(helloHandler())(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("expected an HSTS header when TLS is enabled")
	}
}

func TestMiddlewareRegistryAppliesGlobalStackOutermostFirst(t *testing.T) {
	var order []string
	record := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			}
		}
	}
	reg := NewMiddlewareRegistry(MiddlewareStack{record("outer"), record("inner")})
	mux := http.NewServeMux()
	mux.Handle("/", helloHandler())
	handler := reg.applyToMux(mux)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("expected outer-then-inner execution order, got %v", order)
	}
}

func TestMiddlewareRegistryGetReturnsEmptyStackForUnknownRoute(t *testing.T) {
	reg := NewMiddlewareRegistry(nil)
	if stack := reg.Get("/missing"); len(stack) != 0 {
		t.Fatalf("expected an empty stack for an unregistered route, got %v", stack)
	}
}

func TestMiddlewareRegistryWrapAppliesRouteSpecificStackInsideGlobal(t *testing.T) {
	var order []string
	record := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			}
		}
	}
	reg := NewMiddlewareRegistry(MiddlewareStack{record("global")})
	reg.Add("/restricted", MiddlewareStack{record("route")})

	reg.Wrap("/restricted", helloHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/restricted", nil))
	if len(order) != 2 || order[0] != "global" || order[1] != "route" {
		t.Fatalf("expected global-then-route execution order, got %v", order)
	}
}

func TestMiddlewareRegistryWrapSkipsOtherRoutesStacks(t *testing.T) {
	var ran bool
	reg := NewMiddlewareRegistry(nil)
	reg.Add("/restricted", MiddlewareStack{func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ran = true
			next.ServeHTTP(w, r)
		}
	}})

	reg.Wrap("/public", helloHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/public", nil))
	if ran {
		t.Fatal("expected a route's stack not to apply to a different route")
	}
}

func TestMiddlewareRegistryWrapAppliesAuthOnlyToAPIRouteNotStaticRoute(t *testing.T) {
	registry := NewMiddlewareRegistry(MiddlewareStack{SecurityHeadersMiddleware(false)})
	registry.Add("/call_tool", MiddlewareStack{AuthMiddleware(NewTokenValidator([]string{"good"}), true, nil)})

	apiRec := httptest.NewRecorder()
	registry.Wrap("/call_tool", helloHandler()).ServeHTTP(apiRec, httptest.NewRequest("GET", "/call_tool", nil))
	if apiRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected the API route to enforce its auth stack, got %d", apiRec.Code)
	}

	staticRec := httptest.NewRecorder()
	registry.Wrap("/", helloHandler()).ServeHTTP(staticRec, httptest.NewRequest("GET", "/", nil))
	if staticRec.Code != http.StatusOK {
		t.Fatalf("expected a route with no auth stack registered to stay reachable, got %d", staticRec.Code)
	}
	if staticRec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected the global stack to still apply to the static route")
	}
}
