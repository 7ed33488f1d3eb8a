package session

import (
	"github.com/MrWong99/voiceform/internal/form"
)

// LiveStats describes the live connection of one session.
type LiveStats struct {
	State               string  `json:"connection_state"`
	AudioChunksSent     int64   `json:"audio_chunks_sent"`
	AudioChunksReceived int64   `json:"audio_chunks_received"`
	AudioChunksDropped  int64   `json:"audio_chunks_dropped"`
	TextsSent           int64   `json:"texts_sent"`
	FunctionCalls       int64   `json:"function_calls"`
	Reconnects          int64   `json:"reconnects"`
	ConnectionTimeMs    float64 `json:"connection_time_ms"`
}

// AudioStats describes the audio stream processor of one session.
type AudioStats struct {
	Calls             int64   `json:"total_chunks_processed"`
	FramesClassified  int64   `json:"frames_classified"`
	SpeechFrames      int64   `json:"speech_frames"`
	SilenceFrames     int64   `json:"silence_frames"`
	VoiceStarts       int64   `json:"voice_starts"`
	VoiceEnds         int64   `json:"voice_ends"`
	ChunksEmitted     int64   `json:"chunks_emitted"`
	AvgProcessingMs   float64 `json:"avg_processing_time_ms"`
	BufferSize        int     `json:"buffer_size"`
	IsSpeaking        bool    `json:"is_speaking"`
	SilenceDurationMs float64 `json:"silence_duration_ms"`
}

// FormStats adds the average completion time in milliseconds to
// [form.Stats].
type FormStats struct {
	form.Stats
	AvgCompletionTimeMs float64 `json:"avg_completion_time_ms"`
}

// Stats is a point-in-time view of one session plus the shared counters.
type Stats struct {
	SessionID string     `json:"session_id"`
	Agent     Snapshot   `json:"voice_agent"`
	Live      LiveStats  `json:"gemini_live"`
	Audio     AudioStats `json:"audio_processor"`
	Forms     FormStats  `json:"form_manager"`
}

// Stats collects the current counters of every session component.
func (o *Orchestrator) Stats() Stats {
	lm := o.client.Metrics()
	as := o.proc.Stats()
	fs := o.forms.Stats()
	return Stats{
		SessionID: o.id,
		Agent:     o.shared.Snapshot(),
		Live: LiveStats{
			State:               lm.State.String(),
			AudioChunksSent:     lm.AudioChunksSent,
			AudioChunksReceived: lm.AudioChunksReceived,
			AudioChunksDropped:  lm.AudioChunksDropped,
			TextsSent:           lm.TextsSent,
			FunctionCalls:       lm.FunctionCalls,
			Reconnects:          lm.Reconnects,
			ConnectionTimeMs:    ms(lm.ConnectionTime),
		},
		Audio: AudioStats{
			Calls:             as.Calls,
			FramesClassified:  as.FramesClassified,
			SpeechFrames:      as.SpeechFrames,
			SilenceFrames:     as.SilenceFrames,
			VoiceStarts:       as.VoiceStarts,
			VoiceEnds:         as.VoiceEnds,
			ChunksEmitted:     as.ChunksEmitted,
			AvgProcessingMs:   ms(as.AvgProcessingTime),
			BufferSize:        as.BufferSize,
			IsSpeaking:        as.IsSpeaking,
			SilenceDurationMs: ms(as.SilenceDuration),
		},
		Forms: FormStats{Stats: fs, AvgCompletionTimeMs: ms(fs.AvgCompletionTime)},
	}
}
