package request

import (
	"errors"
	"net/url"
	"testing"
)

func TestMethod_Valid(t *testing.T) {
	for _, m := range Methods {
		if !m.Valid() {
			t.Errorf("%s should be valid", m)
		}
	}

	if Method("HEAD").Valid() {
		t.Error("HEAD should not be valid")
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name: "relative get",
			req:  New(MethodGet, "accounts").WithParams(url.Values{"$top": {"1"}}),
		},
		{
			name: "post with json",
			req:  New(MethodPost, "accounts").WithJSON(map[string]any{"name": "x"}),
		},
		{
			name: "raw data",
			req:  New(MethodPost, "$batch").WithData("--batch_1--"),
		},
		{
			name:    "unknown method",
			req:     New(Method("TRACE"), "accounts"),
			wantErr: ErrInvalidMethod,
		},
		{
			name:    "absolute url",
			req:     New(MethodGet, "https://org.crm.dynamics.com/api/data/v9.2/accounts"),
			wantErr: ErrAbsoluteURL,
		},
		{
			name:    "protocol relative url",
			req:     New(MethodGet, "//org.crm.dynamics.com/accounts"),
			wantErr: ErrAbsoluteURL,
		},
		{
			name:    "json and data",
			req:     New(MethodPost, "accounts").WithJSON(map[string]any{}).WithData("x"),
			wantErr: ErrConflictingBody,
		},
		{
			name:    "params on patch",
			req:     New(MethodPatch, "accounts(1)").WithParams(url.Values{"a": {"b"}}),
			wantErr: ErrParamsNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequest_WithHeadersDoesNotMutate(t *testing.T) {
	base := New(MethodGet, "accounts").WithHeaders(map[string]string{"A": "1"})
	derived := base.WithHeaders(map[string]string{"A": "2", "B": "3"})

	if base.Headers["A"] != "1" {
		t.Errorf("base header A = %q, want 1", base.Headers["A"])
	}
	if _, ok := base.Headers["B"]; ok {
		t.Error("base should not receive header B")
	}
	if derived.Headers["A"] != "2" || derived.Headers["B"] != "3" {
		t.Errorf("derived headers = %v", derived.Headers)
	}
}

func TestEncodeQuery(t *testing.T) {
	tests := []struct {
		name   string
		params url.Values
		want   string
	}{
		{"empty", nil, ""},
		{"system options keep dollar", url.Values{"$top": {"5"}, "$select": {"name,accountid"}}, "$select=name%2Caccountid&$top=5"},
		{"filter escaped", url.Values{"$filter": {"name eq 'A&B'"}}, "$filter=name+eq+%27A%26B%27"},
		{"plain key", url.Values{"a b": {"1", "2"}}, "a+b=1&a+b=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeQuery(tt.params); got != tt.want {
				t.Errorf("EncodeQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_RejectsAbsolute(t *testing.T) {
	endpoint, _ := url.Parse("https://org.crm.dynamics.com/api/data/v9.2/")

	if _, err := Resolve(endpoint, "https://other.example/x"); !errors.Is(err, ErrAbsoluteURL) {
		t.Errorf("Resolve(absolute) error = %v, want ErrAbsoluteURL", err)
	}
	if _, err := Resolve(nil, "accounts"); err == nil {
		t.Error("Resolve(nil endpoint) should fail")
	}
}
