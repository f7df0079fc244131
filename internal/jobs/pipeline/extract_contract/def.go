package extract_contract

import (
	"gorm.io/gorm"

	"github.com/habitaro/extraction-backend/internal/clients/gcp"
	"github.com/habitaro/extraction-backend/internal/extraction/agents"
	"github.com/habitaro/extraction-backend/internal/extraction/cutout"
	"github.com/habitaro/extraction-backend/internal/extraction/fieldspec"
	"github.com/habitaro/extraction-backend/internal/extraction/provenance"
	"github.com/habitaro/extraction-backend/internal/ingestion"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/repos"
	"github.com/habitaro/extraction-backend/internal/services"
	"github.com/habitaro/extraction-backend/internal/types"
)

type Pipeline struct {
	db          *gorm.DB
	log         *logger.Logger
	bucket      gcp.BucketService
	chunker     ingestion.Chunker
	contract    agents.ContractAgent
	installment agents.InstallmentAgent
	cutouts     cutout.Renderer
	merger      provenance.Merger
	uploader    services.ResultUploader
	webhook     services.ResultWebhook
	spec        *fieldspec.Spec
	docs        repos.ContractDocumentRepo
	chunkRows   repos.DocumentChunkRepo
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	bucket gcp.BucketService,
	chunker ingestion.Chunker,
	contract agents.ContractAgent,
	installment agents.InstallmentAgent,
	cutouts cutout.Renderer,
	merger provenance.Merger,
	uploader services.ResultUploader,
	webhook services.ResultWebhook,
	spec *fieldspec.Spec,
	docs repos.ContractDocumentRepo,
	chunkRows repos.DocumentChunkRepo,
) *Pipeline {
	return &Pipeline{
		db:          db,
		log:         baseLog.With("job", "extract_contract"),
		bucket:      bucket,
		chunker:     chunker,
		contract:    contract,
		installment: installment,
		cutouts:     cutouts,
		merger:      merger,
		uploader:    uploader,
		webhook:     webhook,
		spec:        spec,
		docs:        docs,
		chunkRows:   chunkRows,
	}
}

func (p *Pipeline) Type() string { return types.JobTypeExtractContract }
