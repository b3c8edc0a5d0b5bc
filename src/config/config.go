package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/square-key-labs/avatarcall/src/logger"
)

// Config holds application configuration
type Config struct {
	HTTPAddress string
	LogLevel    string

	// Conversational engine
	EngineURL          string
	EngineAPIKey       string
	EngineModel        string
	EngineVoice        string
	EngineInstructions string
	TranscriptionModel string
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration

	// Avatar renderer
	AvatarURL              string
	AvatarAPIKey           string
	AvatarFaceID           string
	AvatarHandleSilence    bool
	AvatarMaxSessionLength time.Duration
	AvatarMaxIdleTime      time.Duration
	ICEServers             []string
	OutputDir              string

	// Audio
	CaptureDevice    bool
	CaptureRate      int
	CaptureBlock     int
	MirrorMic        bool
	QueueMinInterval time.Duration

	// Persistence and recording
	DatabaseURL         string
	UploadEndpoint      string
	UploadToken         string
	SupabaseURL         string
	SupabaseServiceKey  string
	SupabaseBucket      string
	GeminiAPIKey        string
	GoogleCloudProject  string
	GoogleCloudLocation string
	AnalysisModel       string
}

// Load reads environment variables (and .env when present) and returns
// Config with defaults applied
func Load() Config {
	log := logger.WithPrefix("Config")
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file loaded: %v", err)
	}

	cfg := Config{
		HTTPAddress: str("HTTP_ADDRESS", ":8080"),
		LogLevel:    str("LOG_LEVEL", "INFO"),

		EngineURL:          str("ENGINE_URL", ""),
		EngineAPIKey:       str("OPENAI_API_KEY", ""),
		EngineModel:        str("ENGINE_MODEL", "gpt-4o-realtime-preview"),
		EngineVoice:        str("ENGINE_VOICE", "alloy"),
		EngineInstructions: str("ENGINE_INSTRUCTIONS", "You are a warm, attentive companion. Keep answers short and spoken."),
		TranscriptionModel: str("TRANSCRIPTION_MODEL", "whisper-1"),
		VADThreshold:       float("VAD_THRESHOLD", 0.5),
		VADPrefixPadding:   duration("VAD_PREFIX_PADDING", 300*time.Millisecond),
		VADSilenceDuration: duration("VAD_SILENCE_DURATION", 500*time.Millisecond),

		AvatarURL:              str("AVATAR_URL", ""),
		AvatarAPIKey:           str("AVATAR_API_KEY", ""),
		AvatarFaceID:           str("AVATAR_FACE_ID", ""),
		AvatarHandleSilence:    boolean("AVATAR_HANDLE_SILENCE", true),
		AvatarMaxSessionLength: duration("AVATAR_MAX_SESSION_LENGTH", 30*time.Minute),
		AvatarMaxIdleTime:      duration("AVATAR_MAX_IDLE_TIME", 5*time.Minute),
		ICEServers:             list("ICE_SERVERS"),
		OutputDir:              str("OUTPUT_DIR", ""),

		CaptureDevice:    boolean("CAPTURE_DEVICE", false),
		CaptureRate:      integer("CAPTURE_SAMPLE_RATE", 24000),
		CaptureBlock:     integer("CAPTURE_BLOCK_SIZE", 2048),
		MirrorMic:        boolean("MIRROR_MIC", true),
		QueueMinInterval: duration("QUEUE_MIN_INTERVAL", 50*time.Millisecond),

		DatabaseURL:         str("DATABASE_URL", ""),
		UploadEndpoint:      str("UPLOAD_ENDPOINT", ""),
		UploadToken:         str("UPLOAD_TOKEN", ""),
		SupabaseURL:         str("SUPABASE_URL", ""),
		SupabaseServiceKey:  str("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseBucket:      str("SUPABASE_BUCKET", "call-recordings"),
		GeminiAPIKey:        str("GEMINI_API_KEY", ""),
		GoogleCloudProject:  str("GOOGLE_CLOUD_PROJECT", ""),
		GoogleCloudLocation: str("GOOGLE_CLOUD_LOCATION", "us-central1"),
		AnalysisModel:       str("ANALYSIS_MODEL", "gemini-2.5-flash"),
	}

	if cfg.EngineAPIKey == "" {
		log.Warn("OPENAI_API_KEY not set - the conversational engine will reject calls")
	}
	if cfg.AvatarAPIKey == "" || cfg.AvatarFaceID == "" {
		log.Warn("AVATAR_API_KEY or AVATAR_FACE_ID not set - the avatar renderer will reject calls")
	}
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set - call records are kept in memory")
	}
	if cfg.UploadEndpoint == "" && cfg.SupabaseURL == "" {
		log.Warn("No recording storage configured - recordings are discarded")
	}

	log.Info("HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func integer(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func float(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func boolean(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

// duration accepts Go durations ("90s") or whole seconds ("90")
func duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if s, err := strconv.Atoi(raw); err == nil {
		return time.Duration(s) * time.Second
	}
	return def
}

func list(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
