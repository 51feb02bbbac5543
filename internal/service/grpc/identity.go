package grpcsvc

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Заголовки метаданных. Пользователь и роль уже проверены внешним шлюзом авторизации.
const (
	HeaderUserID         = "x-user-id"
	HeaderUserRole       = "x-user-role"
	HeaderIdempotencyKey = "idempotency-key"
)

var adminMethods = map[string]struct{}{
	MethodAdminGetOrder:    {},
	MethodAdminCancelOrder: {},
	MethodSetOrderStatus:   {},
}

type actorKey struct{}

// ContextWithActor кладёт актора в контекст.
func ContextWithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext возвращает актора, положенного IdentityInterceptor.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// IdentityInterceptor извлекает актора из метаданных и проверяет роль для
// административных методов. Чужие сервисы (health, reflection) не затрагиваются.
func IdentityInterceptor(logger *log.Entry) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = log.WithField("component", "grpc-identity")
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return handler(ctx, req)
		}

		actor, err := actorFromMetadata(ctx)
		if err != nil {
			logger.WithError(err).WithField("method", info.FullMethod).Warn("request rejected: no identity")
			return nil, err
		}

		if _, admin := adminMethods[info.FullMethod]; admin && !actor.IsAdmin() {
			logger.WithFields(log.Fields{
				"method":  info.FullMethod,
				"user_id": actor.UserID,
				"role":    actor.Role,
			}).Warn("request rejected: admin role required")
			return nil, status.Error(codes.PermissionDenied, "admin role required")
		}

		return handler(ContextWithActor(ctx, actor), req)
	}
}

func actorFromMetadata(ctx context.Context) (domain.Actor, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	userID := firstValue(md, HeaderUserID)
	if userID == "" {
		return domain.Actor{}, status.Error(codes.Unauthenticated, HeaderUserID+" metadata is required")
	}

	role, ok := domain.ParseRole(firstValue(md, HeaderUserRole))
	if !ok {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "unknown "+HeaderUserRole)
	}

	return domain.Actor{UserID: userID, Role: role}, nil
}

func firstValue(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
