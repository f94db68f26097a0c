package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/ledgerd/internal/audit/domain"
	"github.com/smallbiznis/ledgerd/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	log       *zap.Logger
	genID     *snowflake.Node
	auditRepo repository.Repository[auditdomain.AuditLog]
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		log:       p.Log.Named("audit.service"),
		genID:     p.GenID,
		auditRepo: repository.ProvideStore[auditdomain.AuditLog](p.DB),
	}
}

// AuditLog appends one audit row. Failures are reported to the caller but the
// row itself is never updated afterwards.
func (s *Service) AuditLog(
	ctx context.Context,
	orgID *snowflake.ID,
	actorType string,
	actorID *string,
	action, targetType string,
	targetID *string,
	metadata map[string]any,
) error {
	actorType = strings.TrimSpace(actorType)
	if actorType == "" {
		actorType = auditdomain.ActorTypeSystem
	}

	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		ActorType:  actorType,
		Action:     strings.TrimSpace(action),
		TargetType: strings.TrimSpace(targetType),
		TargetID:   targetID,
		Metadata:   datatypes.JSONMap(metadata),
		CreatedAt:  time.Now().UTC(),
	}
	if actorID != nil {
		row.ActorID = strings.TrimSpace(*actorID)
	}

	return s.auditRepo.Create(ctx, &row)
}
