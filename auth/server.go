package auth

import (
	"context"
	"sync"

	"google.golang.org/grpc"
)

// Server is the oracle side of AuthService.
type Server interface {
	AuthenticateUser(ctx context.Context, req *Request) (*Response, error)
}

func authenticateUserHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).AuthenticateUser(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: authenticateUserMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).AuthenticateUser(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AuthenticateUser", Handler: authenticateUserHandler},
	},
	Metadata: "auth.proto",
}

// RegisterServer exposes srv on s.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

// StaticUsers authenticates against a fixed username/password table. The
// token is the username.
type StaticUsers struct {
	mu    sync.RWMutex
	users map[string]string
}

func NewStaticUsers(users map[string]string) *StaticUsers {
	copied := make(map[string]string, len(users))
	for u, p := range users {
		copied[u] = p
	}
	return &StaticUsers{users: copied}
}

// DevUsers is the table served by the development oracle.
func DevUsers() map[string]string {
	return map[string]string{
		"player1": "pass1",
		"player2": "pass2",
		"test":    "test",
	}
}

func (s *StaticUsers) AuthenticateUser(_ context.Context, req *Request) (*Response, error) {
	s.mu.RLock()
	password, ok := s.users[req.Username]
	s.mu.RUnlock()
	if !ok {
		return &Response{Message: "User not found"}, nil
	}
	if password != req.Password {
		return &Response{Message: "Invalid password"}, nil
	}
	return &Response{Authenticated: true, Message: "Authentication successful", Token: req.Username}, nil
}
