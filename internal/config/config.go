package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration shared by the relay and the agent.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Relay     RelayConfig     `yaml:"relay"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Detection DetectionConfig `yaml:"detection"`
	Pursuit   PursuitConfig   `yaml:"pursuit"`
	Agent     AgentConfig     `yaml:"agent"`
	Storage   StorageConfig   `yaml:"storage"`
	Journal   JournalConfig   `yaml:"journal"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

type LogConfig struct {
	Directory string `yaml:"directory" env:"LOG_DIR"`
	Debug     bool   `yaml:"debug" env:"LOG_DEBUG"`
}

// RelayConfig controls session handling in the hub.
type RelayConfig struct {
	RejectDuplicates bool          `yaml:"reject_duplicates" env:"RELAY_REJECT_DUPLICATES"`
	SendQueueSize    int           `yaml:"send_queue_size" env:"RELAY_SEND_QUEUE"`
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"RELAY_READ_TIMEOUT"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes" env:"RELAY_MAX_MESSAGE_BYTES"`
	PushDetections   bool          `yaml:"push_detections" env:"RELAY_PUSH_DETECTIONS"`
}

type SchedulerConfig struct {
	Tick              time.Duration `yaml:"tick" env:"SCHEDULER_TICK"`
	DetectionInterval time.Duration `yaml:"detection_interval" env:"DETECTION_INTERVAL"`
	MaxConcurrent     int           `yaml:"max_concurrent" env:"PROCESSING_WORKERS"`
}

// DetectionConfig selects and tunes the detector backend.
// Backend is one of "local", "remote", "remote+local" or "none".
type DetectionConfig struct {
	Backend             string        `yaml:"backend" env:"DETECTOR"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	Classes             []string      `yaml:"classes" env:"DETECTION_CLASSES" envSeparator:","`
	Endpoint            string        `yaml:"endpoint" env:"DETECTION_ENDPOINT"`
	Timeout             time.Duration `yaml:"timeout" env:"DETECTION_TIMEOUT"`
	Retries             int           `yaml:"retries" env:"DETECTION_RETRIES"`
	ModelPath           string        `yaml:"model_path" env:"MODEL_PATH"`
	ModelConfigPath     string        `yaml:"model_config_path" env:"MODEL_CONFIG_PATH"`
}

// PursuitConfig holds the thresholds of the autonomous controller. Distances are in centimeters.
type PursuitConfig struct {
	AutoMode             bool          `yaml:"auto_mode" env:"AUTO_MODE"`
	PerformanceMode      string        `yaml:"performance_mode" env:"PERFORMANCE_MODE"`
	BarkDistance         float64       `yaml:"bark_distance" env:"BARK_DISTANCE"`
	PursueDistance       float64       `yaml:"pursue_distance" env:"PURSUE_DISTANCE"`
	ExplosionDistance    float64       `yaml:"explosion_distance" env:"EXPLOSION_DISTANCE"`
	MaxPursuitDistance   float64       `yaml:"max_pursuit_distance" env:"MAX_PURSUIT_DISTANCE"`
	MinPursueDistance    float64       `yaml:"min_pursue_distance" env:"MIN_PURSUE_DISTANCE"`
	DetectionPersistence int           `yaml:"detection_persistence" env:"DETECTION_PERSISTENCE"`
	MovementInterval     time.Duration `yaml:"movement_interval" env:"MOVEMENT_INTERVAL"`
	BarkInterval         time.Duration `yaml:"bark_interval" env:"BARK_INTERVAL"`
	SearchInterval       time.Duration `yaml:"search_interval" env:"SEARCH_INTERVAL"`
	DistanceSamples      int           `yaml:"distance_samples" env:"DISTANCE_SAMPLES"`
	DistanceMin          float64       `yaml:"distance_min" env:"DISTANCE_MIN"`
	DistanceMax          float64       `yaml:"distance_max" env:"DISTANCE_MAX"`
	ModeBypassActions    []string      `yaml:"mode_bypass_actions" env:"MODE_BYPASS_ACTIONS" envSeparator:","`
}

// AgentConfig configures the robot-side client process.
type AgentConfig struct {
	ServerURL         string        `yaml:"server_url" env:"AGENT_SERVER_URL"`
	ClientID          string        `yaml:"client_id" env:"AGENT_CLIENT_ID"`
	DetectionSource   string        `yaml:"detection_source" env:"AGENT_DETECTION_SOURCE"` // "relay" or "detector"
	NoCamera          bool          `yaml:"no_camera" env:"AGENT_NO_CAMERA"`
	HasIMU            bool          `yaml:"has_imu" env:"AGENT_HAS_IMU"`
	HasRGB            bool          `yaml:"has_rgb" env:"AGENT_HAS_RGB"`
	CameraDevice      int           `yaml:"camera_device" env:"CAMERA_DEVICE"`
	CameraFPS         int           `yaml:"camera_fps" env:"CAMERA_FPS"`
	FrameWidth        int           `yaml:"frame_width" env:"FRAME_WIDTH"`
	FrameHeight       int           `yaml:"frame_height" env:"FRAME_HEIGHT"`
	JPEGQuality       int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
	SensorInterval    time.Duration `yaml:"sensor_interval" env:"SENSOR_INTERVAL"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" env:"RECONNECT_INTERVAL"`
	ControlInterval   time.Duration `yaml:"control_interval" env:"CONTROL_INTERVAL"`
	HeadServoPort     string        `yaml:"head_servo_port" env:"HEAD_SERVO_PORT"`
	HeadServoID       int           `yaml:"head_servo_id" env:"HEAD_SERVO_ID"`
	HeadServoMin      int           `yaml:"head_servo_min" env:"HEAD_SERVO_MIN"`
	HeadServoMax      int           `yaml:"head_servo_max" env:"HEAD_SERVO_MAX"`
	DistancePort      string        `yaml:"distance_port" env:"DISTANCE_PORT"`
	DistanceBaud      int           `yaml:"distance_baud" env:"DISTANCE_BAUD"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
	Secure    bool   `yaml:"secure" env:"MINIO_SECURE"`
}

// StorageConfig controls the snapshot archive. Sink is "none", "disk" or "minio".
type StorageConfig struct {
	Sink           string        `yaml:"sink" env:"SNAPSHOT_SINK"`
	ImageDirectory string        `yaml:"image_directory" env:"IMAGE_DIR"`
	BufferLimit    int           `yaml:"buffer_limit" env:"BUFFER_LIMIT"`
	FlushInterval  time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	Minio          MinioConfig   `yaml:"minio"`
}

// JournalConfig selects the detection journal database. Driver is "", "sqlite3" or "postgres".
type JournalConfig struct {
	Driver    string        `yaml:"driver" env:"JOURNAL_DRIVER"`
	DSN       string        `yaml:"dsn" env:"JOURNAL_DSN"`
	Retention time.Duration `yaml:"retention" env:"JOURNAL_RETENTION"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"MQTT_BROKER"`
	TopicPrefix string `yaml:"topic_prefix" env:"MQTT_TOPIC_PREFIX"`
	ClientID    string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	QoS         byte   `yaml:"qos" env:"MQTT_QOS"`
}

type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
}

// Default returns the configuration used when neither a file nor the environment override a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8000},
		Log:    LogConfig{Directory: filepath.Join(".", "logs")},
		Relay: RelayConfig{
			SendQueueSize:   32,
			ReadTimeout:     60 * time.Second,
			MaxMessageBytes: 8 << 20,
			PushDetections:  true,
		},
		Scheduler: SchedulerConfig{
			Tick:              100 * time.Millisecond,
			DetectionInterval: 500 * time.Millisecond,
			MaxConcurrent:     3,
		},
		Detection: DetectionConfig{
			Backend:             "local",
			ConfidenceThreshold: 0.25,
			Classes:             []string{"person"},
			Timeout:             3 * time.Second,
			Retries:             2,
			ModelPath:           filepath.Join(".", "models", "frozen_inference_graph.pb"),
			ModelConfigPath:     filepath.Join(".", "models", "ssd_mobilenet_v1_coco_2017_11_17.pbtxt"),
		},
		Pursuit: PursuitConfig{
			AutoMode:             false,
			BarkDistance:         70,
			PursueDistance:       200,
			ExplosionDistance:    30,
			MaxPursuitDistance:   400,
			MinPursueDistance:    15,
			DetectionPersistence: 3,
			MovementInterval:     1500 * time.Millisecond,
			BarkInterval:         time.Second,
			SearchInterval:       3 * time.Second,
			DistanceSamples:      3,
			DistanceMin:          0,
			DistanceMax:          1000,
			ModeBypassActions:    []string{"bark", "growl", "speak", "wag_tail"},
		},
		Agent: AgentConfig{
			ServerURL:         "ws://localhost:8000/ws",
			DetectionSource:   "relay",
			CameraFPS:         10,
			FrameWidth:        640,
			FrameHeight:       480,
			JPEGQuality:       70,
			SensorInterval:    200 * time.Millisecond,
			ReconnectInterval: 5 * time.Second,
			ControlInterval:   500 * time.Millisecond,
			HeadServoID:       1,
			HeadServoMin:      1024,
			HeadServoMax:      3072,
			DistanceBaud:      115200,
		},
		Storage: StorageConfig{
			Sink:           "none",
			ImageDirectory: filepath.Join(".", "images"),
			BufferLimit:    10,
			FlushInterval:  30 * time.Second,
			Minio:          MinioConfig{Bucket: "snapshots"},
		},
		Journal: JournalConfig{Retention: 7 * 24 * time.Hour},
		Events: EventsConfig{
			Kafka: KafkaConfig{Topic: "robot-events"},
			MQTT:  MQTTConfig{TopicPrefix: "robotrelay", ClientID: "robotrelay", QoS: 1},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment,
// in that order of precedence (environment wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.ApplyPerformanceMode(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// PerformanceProfile is a detection cadence paired with a confidence threshold.
type PerformanceProfile struct {
	Interval  time.Duration
	Threshold float64
}

// PerformanceModes maps the named profiles accepted by pursuit.performance_mode.
var PerformanceModes = map[string]PerformanceProfile{
	"eco":        {Interval: time.Second, Threshold: 0.5},
	"balanced":   {Interval: 500 * time.Millisecond, Threshold: 0.35},
	"aggressive": {Interval: 250 * time.Millisecond, Threshold: 0.25},
}

var ErrUnknownPerformanceMode = errors.New("unknown performance mode")

// ApplyPerformanceMode overrides the detection interval and threshold with the named profile.
func (c *Config) ApplyPerformanceMode() error {
	if c.Pursuit.PerformanceMode == "" {
		return nil
	}
	profile, ok := PerformanceModes[c.Pursuit.PerformanceMode]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPerformanceMode, c.Pursuit.PerformanceMode)
	}
	c.Scheduler.DetectionInterval = profile.Interval
	c.Detection.ConfidenceThreshold = profile.Threshold
	return nil
}

// Validate checks the invariants the controller and scheduler rely on.
func (c *Config) Validate() error {
	p := c.Pursuit
	if p.ExplosionDistance <= 0 || p.ExplosionDistance > p.PursueDistance || p.PursueDistance >= p.MaxPursuitDistance {
		return fmt.Errorf("invalid pursuit distances: explosion=%v pursue=%v max=%v",
			p.ExplosionDistance, p.PursueDistance, p.MaxPursuitDistance)
	}
	if p.BarkDistance <= 0 {
		return fmt.Errorf("invalid bark distance: %v", p.BarkDistance)
	}
	if p.DistanceMin >= p.DistanceMax {
		return fmt.Errorf("invalid distance range: (%v, %v)", p.DistanceMin, p.DistanceMax)
	}
	if p.MovementInterval <= 0 || p.BarkInterval <= 0 {
		return fmt.Errorf("movement and bark intervals must be positive")
	}
	if c.Scheduler.Tick <= 0 || c.Scheduler.DetectionInterval <= 0 {
		return fmt.Errorf("scheduler tick and detection interval must be positive")
	}
	if th := c.Detection.ConfidenceThreshold; th <= 0 || th > 1 {
		return fmt.Errorf("confidence threshold must be in (0, 1], got %v", th)
	}
	a := c.Agent
	if a.SensorInterval <= 0 || a.ControlInterval <= 0 || a.ReconnectInterval <= 0 {
		return fmt.Errorf("agent sensor, control and reconnect intervals must be positive: sensor=%v control=%v reconnect=%v",
			a.SensorInterval, a.ControlInterval, a.ReconnectInterval)
	}
	if c.Storage.FlushInterval <= 0 {
		return fmt.Errorf("storage flush interval must be positive, got %v", c.Storage.FlushInterval)
	}
	return nil
}
