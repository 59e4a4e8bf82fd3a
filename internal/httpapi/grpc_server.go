package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/auth"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/policy"
	"staffportal.org/internal/ratelimit"
)

const (
	sessionServiceName = "portal.auth.v1.SessionService"
	validateMethod     = "/" + sessionServiceName + "/Validate"
	checkMethod        = "/" + sessionServiceName + "/Check"

	// CodecName is the gRPC content subtype the session service speaks.
	CodecName = "json"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ValidateRequest asks whether a token may perform an access. Permissions are
// "resource:action" strings.
type ValidateRequest struct {
	Token        string            `json:"token"`
	IPAddress    string            `json:"ip_address,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Path         string            `json:"path,omitempty"`
	Roles        []auth.Role       `json:"roles,omitempty"`
	Permissions  []string          `json:"permissions,omitempty"`
	Locations    []string          `json:"locations,omitempty"`
	RequireMFA   bool              `json:"require_mfa,omitempty"`
	Resource     string            `json:"resource,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	AccessReason string            `json:"access_reason,omitempty"`
}

type ValidateResponse struct {
	Identity    auth.Identity `json:"identity"`
	PHIAccessed bool          `json:"phi_accessed"`
}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	TimeRFC3339 string `json:"time_rfc3339"`
}

// SessionServiceServer is implemented by GRPCServer.
type SessionServiceServer interface {
	Validate(context.Context, *ValidateRequest) (*ValidateResponse, error)
	Check(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Validate", Handler: validateHandler},
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "portal/auth/v1/session.proto",
}

// RegisterSessionService attaches srv to s.
func RegisterSessionService(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}

func validateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ValidateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServiceServer).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: validateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServiceServer).Validate(ctx, req.(*ValidateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServiceServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServiceServer).Check(ctx, req.(*HealthCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// SessionServiceClient calls the session service over a connection.
type SessionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSessionServiceClient(cc grpc.ClientConnInterface) *SessionServiceClient {
	return &SessionServiceClient{cc: cc}
}

func (c *SessionServiceClient) Validate(ctx context.Context, in *ValidateRequest, opts ...grpc.CallOption) (*ValidateResponse, error) {
	out := new(ValidateResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, validateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionServiceClient) Check(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	out := new(HealthCheckResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, checkMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer lets sibling backends run the authorization pipeline remotely.
type GRPCServer struct {
	authz     *Authorizer
	readiness readinessChecker
	version   string
	limiter   ratelimit.Limiter
	hipaa     *audit.HIPAAOptions
	now       func() time.Time
}

type GRPCOption func(*GRPCServer)

// WithLimiter applies the per-user route limiter to Validate calls.
func WithLimiter(l ratelimit.Limiter) GRPCOption {
	return func(s *GRPCServer) { s.limiter = l }
}

// WithHIPAA enables PHI checks on Validate calls.
func WithHIPAA(opts audit.HIPAAOptions) GRPCOption {
	return func(s *GRPCServer) { s.hipaa = &opts }
}

func NewGRPCServer(r readinessChecker, version string, authz *Authorizer, opts ...GRPCOption) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	s := &GRPCServer{
		authz:     authz,
		readiness: r,
		version:   version,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate runs the pipeline for the request and returns the admitted identity.
func (s *GRPCServer) Validate(ctx context.Context, in *ValidateRequest) (*ValidateResponse, error) {
	if s.authz == nil {
		return nil, status.Error(codes.Unimplemented, "session validation is not configured")
	}
	opts := Options{
		Roles:      in.Roles,
		Locations:  in.Locations,
		RequireMFA: in.RequireMFA,
		Limiter:    s.limiter,
		HIPAA:      s.hipaa,
		Audit:      true,
	}
	for _, raw := range in.Permissions {
		g, err := policy.ParseGrant(raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid permission %q", raw)
		}
		opts.Permissions = append(opts.Permissions, g)
	}

	at := Attempt{
		Token:        in.Token,
		IP:           in.IPAddress,
		UserAgent:    in.UserAgent,
		Method:       "RPC",
		Path:         in.Path,
		ResourceID:   in.ResourceID,
		Fields:       in.Fields,
		AccessReason: in.AccessReason,
	}
	if at.Path == "" {
		at.Path = validateMethod
	}
	var id string
	at.Resource, id = resourceOf(at.Path)
	if at.ResourceID == "" {
		at.ResourceID = id
	}
	if in.Resource != "" {
		at.Resource = in.Resource
	}
	if at.IP == "" {
		at.IP = peerIP(ctx)
	}

	adm, rej := s.authz.Evaluate(ctx, at, opts)
	if rej != nil {
		if rej.RetryAfter > 0 {
			secs := strconv.Itoa(int(math.Ceil(rej.RetryAfter.Seconds())))
			_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", secs))
		}
		return nil, grpcStatus(rej)
	}
	return &ValidateResponse{Identity: adm.Identity, PHIAccessed: adm.PHI}, nil
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (s *GRPCServer) Check(ctx context.Context, _ *HealthCheckRequest) (*HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
	}
	obs.SetReady(true)
	return &HealthCheckResponse{
		Status:      "ok",
		Service:     serviceName,
		Version:     s.version,
		TimeRFC3339: s.now().UTC().Format(time.RFC3339),
	}, nil
}

// grpcStatus maps a rejection to a status whose message starts with the
// rejection code.
func grpcStatus(e *auth.Error) error {
	code := codes.Internal
	switch e.Kind {
	case auth.KindAuthentication:
		code = codes.Unauthenticated
	case auth.KindAuthorization:
		code = codes.PermissionDenied
		if e.Code == auth.CodeRateLimited {
			code = codes.ResourceExhausted
		}
	case auth.KindHIPAA:
		code = codes.PermissionDenied
	case auth.KindUnavailable:
		code = codes.Unavailable
	}
	return status.Error(code, e.Code+": "+e.Message)
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
