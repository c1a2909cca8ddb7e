package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"rallymigrate/config"
	"rallymigrate/models"
	"rallymigrate/utils"
)

// MigrationService は Rally から Rally へのレコード移行を処理します
type MigrationService struct {
	config  *config.Config
	source  RallyService
	dest    RallyService
	store   *StagingStore
	retrier Retrier
	runID   string
	log     *logrus.Entry
}

// NewMigrationService は新しい移行サービスを作成します
// エクスポートのみ・インポートのみの場合は使わない側のクライアントを nil にできます
func NewMigrationService(cfg *config.Config, source, dest RallyService, store *StagingStore) *MigrationService {
	runID := uuid.NewString()
	return &MigrationService{
		config:  cfg,
		source:  source,
		dest:    dest,
		store:   store,
		retrier: NewRetrier(cfg),
		runID:   runID,
		log:     utils.WithRun(runID),
	}
}

// RunID は実行 ID を返します
func (m *MigrationService) RunID() string {
	return m.runID
}

// ImportReport はインポート全体の集計です
type ImportReport struct {
	RunID   string
	Results []*ImportResult
	// Misses は null として続行した参照の数です
	Misses int64
}

// Result はクラスの集計を返します
func (r *ImportReport) Result(c Class) *ImportResult {
	for _, res := range r.Results {
		if res.Class == c {
			return res
		}
	}
	return nil
}

// Log は集計をログに出力します
func (r *ImportReport) Log() {
	for _, res := range r.Results {
		if res.Resumed {
			utils.LogInfo("%-8s 保存済みのマッピングを使用 (スキップ)", res.Class)
			continue
		}
		utils.LogInfo("%-8s 作成=%d, スキップ=%d, 失敗=%d", res.Class, res.Created, res.Skipped, len(res.Failed))
	}
	if r.Misses > 0 {
		utils.LogWarn("解決できなかった参照: %d 件", r.Misses)
	}
}

// CheckAuth は設定されたクライアントで認証を確認します
func (m *MigrationService) CheckAuth(ctx context.Context) error {
	if m.source != nil {
		if err := m.source.CheckAuth(ctx); err != nil {
			return fmt.Errorf("移行元の認証エラー: %w", err)
		}
		m.log.Info("移行元の認証成功")
	}
	if m.dest != nil {
		if err := m.dest.CheckAuth(ctx); err != nil {
			return fmt.Errorf("移行先の認証エラー: %w", err)
		}
		m.log.Info("移行先の認証成功")
	}
	return nil
}

// RunExport は移行元からステージングへエクスポートします
func (m *MigrationService) RunExport(ctx context.Context) (*ExportResult, error) {
	if m.source == nil {
		return nil, errors.NotValidf("移行元クライアント")
	}
	m.log.WithFields(logrus.Fields{
		"project": m.config.Source.ProjectID,
		"staging": m.store.Root(),
	}).Info("エクスポートを開始します")
	exporter := NewExporter(m.source, m.store, m.retrier, m.config.Source.ProjectID, m.config.PortfolioLevel)
	return exporter.ExportAll(ctx)
}

// PrepareImport はインポートに必要な静的な対応表を構築します
// 型ラダーと概算見積りのファイルがない場合は参照を正しく解決できないため中断します
func (m *MigrationService) PrepareImport(ctx context.Context) (*MigrationContext, error) {
	if m.dest == nil {
		return nil, errors.NotValidf("移行先クライアント")
	}
	dst := m.config.Destination
	mc := NewMigrationContext(dst.WorkspaceID, dst.ProjectID)

	root := &models.Record{}
	if err := m.dest.Get(ctx, "project", dst.ProjectID, root); err != nil {
		return nil, errors.Annotatef(err, "移行先ルートプロジェクト %s の取得", dst.ProjectID)
	}
	m.log.WithField("project", root.Name).Info("移行先ルートプロジェクトを確認しました")

	sourceLadder := map[string]int{}
	if err := m.store.ReadJSON(PIHierarchyFile, &sourceLadder); err != nil {
		return nil, errors.Annotate(err, "ポートフォリオアイテム階層ファイルがありません (先にエクスポートを実行してください)")
	}
	destDefs, err := QueryTypeDefinitions(ctx, m.dest)
	if err != nil {
		return nil, err
	}
	mc.Ladder = NewTypeLadder(sourceLadder, destDefs)

	catalogue := EstimateCatalogue{}
	if err := m.store.ReadJSON(EstimatesFile, &catalogue); err != nil {
		return nil, errors.Annotate(err, "概算見積りファイルがありません (先にエクスポートを実行してください)")
	}
	destEstimates, err := QueryEstimates(ctx, m.dest)
	if err != nil {
		return nil, err
	}
	mc.Estimates = BuildEstimateMap(catalogue, destEstimates)

	utils.LogInfo("型ラダー: 移行元 %d 件 / 移行先 %d 件, 概算見積り: %d 件",
		len(sourceLadder), len(destDefs), len(mc.Estimates))
	return mc, nil
}

// RunImport はステージングから移行先へ全クラスをインポートします
// マッピング表が保存済みのクラスはスキップします
func (m *MigrationService) RunImport(ctx context.Context) (*ImportReport, error) {
	startTime := time.Now()
	defer utils.TrackTime(startTime, "インポート")

	mc, err := m.PrepareImport(ctx)
	if err != nil {
		return nil, err
	}
	report := &ImportReport{RunID: m.runID}

	for _, phase := range []struct {
		class Class
		run   func(context.Context, *MigrationContext) (*ImportResult, error)
	}{
		{ClassProject, m.importProjects},
		{ClassRelease, m.importReleases},
		{ClassItem, m.importItems},
		{ClassPlan, m.importPlans},
	} {
		res, err := m.runPhase(ctx, mc, phase.class, phase.run)
		if res != nil {
			report.Results = append(report.Results, res)
		}
		if err != nil {
			report.Misses = mc.Misses()
			return report, err
		}
	}

	report.Misses = mc.Misses()
	m.log.Info("インポートが完了しました")
	return report, nil
}

// ImportPlans はキャパシティプランのみをインポートします
// 他のクラスのマッピング表は保存済みのものを使います
func (m *MigrationService) ImportPlans(ctx context.Context) (*ImportReport, error) {
	mc, err := m.PrepareImport(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range []Class{ClassProject, ClassRelease, ClassItem} {
		loaded, err := mc.Load(m.store, c)
		if err != nil {
			return nil, err
		}
		if !loaded {
			utils.LogWarn("%s のマッピング表がありません。参照は null になります", c)
		}
	}

	report := &ImportReport{RunID: m.runID}
	res, err := m.runPhase(ctx, mc, ClassPlan, m.importPlans)
	if res != nil {
		report.Results = append(report.Results, res)
	}
	report.Misses = mc.Misses()
	return report, err
}

// RunMigration は認証確認・エクスポート・インポートを順に実行します
func (m *MigrationService) RunMigration(ctx context.Context) (*ImportReport, error) {
	startTime := time.Now()
	defer utils.TrackTime(startTime, "移行処理全体")

	if err := m.CheckAuth(ctx); err != nil {
		return nil, err
	}
	if _, err := m.RunExport(ctx); err != nil {
		return nil, err
	}
	report, err := m.RunImport(ctx)
	if err != nil {
		return report, err
	}
	m.log.Info("移行処理が完了しました")
	return report, nil
}

// runPhase は保存済みのマッピング表があれば読み込んでスキップし、なければ実行して保存します
func (m *MigrationService) runPhase(ctx context.Context, mc *MigrationContext, class Class,
	run func(context.Context, *MigrationContext) (*ImportResult, error)) (*ImportResult, error) {
	loaded, err := mc.Load(m.store, class)
	if err != nil {
		return nil, err
	}
	if loaded {
		m.log.WithField("class", class).Infof("%s は保存済みのマッピング表 (%d 件) を使用します", class, mc.Len(class))
		return &ImportResult{Class: class, Resumed: true}, nil
	}

	m.log.WithField("class", class).Infof("%s のインポートを開始します", class)
	res, err := run(ctx, mc)
	if err != nil {
		return res, err
	}
	if err := mc.Save(m.store, class); err != nil {
		return res, err
	}
	return res, nil
}

func (m *MigrationService) importProjects(ctx context.Context, mc *MigrationContext) (*ImportResult, error) {
	roots, err := readStaged[models.Record](m.store, ProjectDir)
	if err != nil {
		return nil, err
	}
	return NewImporter(m.dest, mc, m.retrier, m.config.MaxConcurrent).ImportForest(ctx, ClassProject, roots)
}

func (m *MigrationService) importReleases(ctx context.Context, mc *MigrationContext) (*ImportResult, error) {
	releases, err := readStaged[models.Record](m.store, ReleaseDir)
	if err != nil {
		return nil, err
	}
	return NewReleaseSync(m.dest, mc, m.retrier).Import(ctx, releases)
}

func (m *MigrationService) importItems(ctx context.Context, mc *MigrationContext) (*ImportResult, error) {
	roots, err := readStaged[models.Record](m.store, ItemDir)
	if err != nil {
		return nil, err
	}
	return NewImporter(m.dest, mc, m.retrier, m.config.MaxConcurrent).ImportForest(ctx, ClassItem, roots)
}

func (m *MigrationService) importPlans(ctx context.Context, mc *MigrationContext) (*ImportResult, error) {
	plans, err := readStaged[models.CapacityPlan](m.store, PlanDir)
	if err != nil {
		return nil, err
	}
	return NewPlanImporter(m.dest, mc, m.retrier).Import(ctx, plans)
}

// readStaged はディレクトリがない場合を空として扱います
func readStaged[T any](store *StagingStore, dir string) ([]*T, error) {
	records, err := ReadRecords[T](store, dir)
	if errors.Is(err, errors.NotFound) {
		utils.LogWarn("%s はエクスポートされていません", dir)
		return nil, nil
	}
	return records, err
}
