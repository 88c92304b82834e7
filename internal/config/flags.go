package config

import (
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// FeatureFlags holds the recognised options from spec §6's configuration
// surface table. It is reloaded on a timer and swapped atomically so route
// handlers never see a torn read (spec §9, "feature flags are reloaded on a
// timer and swapped atomically").
type FeatureFlags struct {
	AlgorithmV2Enabled            bool
	DefaultAlgorithmVersion       string
	Route3FastMode                bool
	SkeletonEnrichmentEnabled     bool
	SkeletonGraphTraversalEnabled bool
	VoyageV2Enabled               bool
	KNNSimilarityCutoff           float64
	KNNTopK                       int
	SentenceKNNThreshold          float64
	SentenceKNNMaxK               int
}

// flagsFile is the shape of an optional FLAGS_CONFIG_PATH YAML overlay,
// following the pack's config-struct-with-yaml-tags convention (e.g.
// intelligencedev-manifold/internal/config/config.go). Every field is a
// pointer so an absent key in the file leaves the environment/default value
// alone instead of zeroing it.
type flagsFile struct {
	AlgorithmV2Enabled            *bool    `yaml:"algorithm_v2_enabled"`
	DefaultAlgorithmVersion       *string  `yaml:"default_algorithm_version"`
	Route3FastMode                *bool    `yaml:"route3_fast_mode"`
	SkeletonEnrichmentEnabled     *bool    `yaml:"skeleton_enrichment_enabled"`
	SkeletonGraphTraversalEnabled *bool    `yaml:"skeleton_graph_traversal_enabled"`
	VoyageV2Enabled               *bool    `yaml:"voyage_v2_enabled"`
	KNNSimilarityCutoff           *float64 `yaml:"knn_similarity_cutoff"`
	KNNTopK                       *int     `yaml:"knn_top_k"`
	SentenceKNNThreshold          *float64 `yaml:"sentence_knn_threshold"`
	SentenceKNNMaxK               *int     `yaml:"sentence_knn_max_k"`
}

func (ff *flagsFile) applyTo(f *FeatureFlags) {
	if ff == nil {
		return
	}
	if ff.AlgorithmV2Enabled != nil {
		f.AlgorithmV2Enabled = *ff.AlgorithmV2Enabled
	}
	if ff.DefaultAlgorithmVersion != nil {
		f.DefaultAlgorithmVersion = *ff.DefaultAlgorithmVersion
	}
	if ff.Route3FastMode != nil {
		f.Route3FastMode = *ff.Route3FastMode
	}
	if ff.SkeletonEnrichmentEnabled != nil {
		f.SkeletonEnrichmentEnabled = *ff.SkeletonEnrichmentEnabled
	}
	if ff.SkeletonGraphTraversalEnabled != nil {
		f.SkeletonGraphTraversalEnabled = *ff.SkeletonGraphTraversalEnabled
	}
	if ff.VoyageV2Enabled != nil {
		f.VoyageV2Enabled = *ff.VoyageV2Enabled
	}
	if ff.KNNSimilarityCutoff != nil {
		f.KNNSimilarityCutoff = *ff.KNNSimilarityCutoff
	}
	if ff.KNNTopK != nil {
		f.KNNTopK = *ff.KNNTopK
	}
	if ff.SentenceKNNThreshold != nil {
		f.SentenceKNNThreshold = *ff.SentenceKNNThreshold
	}
	if ff.SentenceKNNMaxK != nil {
		f.SentenceKNNMaxK = *ff.SentenceKNNMaxK
	}
}

func defaultFlags() *FeatureFlags {
	return &FeatureFlags{
		AlgorithmV2Enabled:            true,
		DefaultAlgorithmVersion:       "v2",
		Route3FastMode:                true,
		SkeletonEnrichmentEnabled:     true,
		SkeletonGraphTraversalEnabled: true,
		VoyageV2Enabled:               true,
		KNNSimilarityCutoff:           0.60,
		KNNTopK:                       5,
		SentenceKNNThreshold:          0.90,
		SentenceKNNMaxK:               2,
	}
}

// FlagStore is the atomically-swapped holder for FeatureFlags.
type FlagStore struct {
	ptr atomic.Pointer[FeatureFlags]
}

// NewFlagStore builds a FlagStore seeded from the environment (falling back
// to the spec's documented defaults) and starts a background reload loop.
func NewFlagStore(refresh time.Duration) *FlagStore {
	fs := &FlagStore{}
	fs.ptr.Store(loadFlagsFromEnv())
	if refresh > 0 {
		go fs.reloadLoop(refresh)
	}
	return fs
}

// Get returns the current snapshot. The returned pointer is never mutated.
func (fs *FlagStore) Get() *FeatureFlags {
	return fs.ptr.Load()
}

func (fs *FlagStore) reloadLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		fs.ptr.Store(loadFlagsFromEnv())
	}
}

func loadFlagsFromEnv() *FeatureFlags {
	f := defaultFlags()
	loadFlagsFromFile(os.Getenv("FLAGS_CONFIG_PATH")).applyTo(f)
	if v, ok := lookupBool("ALGORITHM_V2_ENABLED"); ok {
		f.AlgorithmV2Enabled = v
	}
	if v := os.Getenv("DEFAULT_ALGORITHM_VERSION"); v != "" {
		f.DefaultAlgorithmVersion = v
	}
	if v, ok := lookupBool("ROUTE3_FAST_MODE"); ok {
		f.Route3FastMode = v
	}
	if v, ok := lookupBool("SKELETON_ENRICHMENT_ENABLED"); ok {
		f.SkeletonEnrichmentEnabled = v
	}
	if v, ok := lookupBool("SKELETON_GRAPH_TRAVERSAL_ENABLED"); ok {
		f.SkeletonGraphTraversalEnabled = v
	}
	if v, ok := lookupBool("VOYAGE_V2_ENABLED"); ok {
		f.VoyageV2Enabled = v
	}
	if v := getEnvFloat("KNN_SIMILARITY_CUTOFF", f.KNNSimilarityCutoff); v != 0 {
		f.KNNSimilarityCutoff = v
	}
	if v := getEnvInt("KNN_TOP_K", f.KNNTopK); v != 0 {
		f.KNNTopK = v
	}
	if v := getEnvFloat("SENTENCE_KNN_THRESHOLD", f.SentenceKNNThreshold); v != 0 {
		f.SentenceKNNThreshold = v
	}
	if v := getEnvInt("SENTENCE_KNN_MAX_K", f.SentenceKNNMaxK); v != 0 {
		f.SentenceKNNMaxK = v
	}
	return f
}

// loadFlagsFromFile reads an optional YAML overlay for feature flags. A
// missing path, missing file, or parse error all just return nil — this
// overlay is a convenience for environments that prefer a checked-in file
// over a pile of env vars, not a required input (same tolerance as
// config.Load's godotenv.Load() call).
func loadFlagsFromFile(path string) *flagsFile {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var ff flagsFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil
	}
	return &ff
}

func lookupBool(key string) (bool, bool) {
	v, present := os.LookupEnv(key)
	if !present {
		return false, false
	}
	return v == "1" || v == "true" || v == "TRUE" || v == "on", true
}
