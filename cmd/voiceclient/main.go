package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/room4-2/voiceloop/client"
	"github.com/room4-2/voiceloop/messages"
)

// AudioPlayer plays MP3 clips via sox, one process per clip.
type AudioPlayer struct {
	mu      sync.Mutex
	enabled bool
}

func NewAudioPlayer() *AudioPlayer {
	if _, err := exec.LookPath("sox"); err != nil {
		log.Println("sox not found, replies will not be played")
		return &AudioPlayer{}
	}
	return &AudioPlayer{enabled: true}
}

func (p *AudioPlayer) Play(clip []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	cmd := exec.Command("sox", "-t", "mp3", "-", "-d")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Println("sox stdin error:", err)
		return
	}
	if err := cmd.Start(); err != nil {
		log.Println("sox start error:", err)
		return
	}
	stdin.Write(clip)
	stdin.Close()
	cmd.Wait()
}

func main() {
	// Flags
	serverURL := flag.String("server", "http://localhost:8080", "Server base URL")
	audioFile := flag.String("file", "examples/user.pcm", "Audio file to send (16 kHz mono PCM16 or WAV)")
	clientID := flag.String("id", "", "Client id (random when empty)")
	polling := flag.Bool("polling", false, "Use the HTTP polling fallback instead of websockets")
	flag.Parse()

	if *clientID == "" {
		*clientID = uuid.NewString()
	}

	player := NewAudioPlayer()
	serverReady := make(chan struct{}, 1)
	replied := make(chan struct{}, 1)

	opts := client.Options{
		BaseURL:  *serverURL,
		ClientID: *clientID,
		OnStatus: func(s client.Status) {
			log.Printf("📊 Status: %s", s)
		},
		OnMessage: func(ev *messages.ServerEvent) {
			switch ev.Type {
			case messages.TypeServerReady:
				notify(serverReady)
			case messages.TypeTranscriptUpdate:
				if ev.IsFinal != nil && *ev.IsFinal && ev.Transcript != nil {
					fmt.Printf("🗣  %s\n", *ev.Transcript)
				}
			case messages.TypeResponseReady:
				if ev.Response != nil {
					fmt.Printf("📝 %s\n", ev.Response.Text)
				}
			case messages.TypeAudioReady:
				if ev.AudioLength != nil {
					log.Printf("🔊 Audio ready: %d bytes", *ev.AudioLength)
				}
			case messages.TypeError:
				log.Printf("❌ Error: %s", ev.Error)
			}
		},
		OnAudio: func(clip []byte) {
			log.Printf("🔊 Playing audio: %d bytes", len(clip))
			player.Play(clip)
			notify(replied)
		},
	}

	var (
		tr  client.Transport
		err error
	)
	if *polling {
		tr, err = client.NewPollingTransport(opts)
	} else {
		tr, err = client.NewSocketTransport(opts)
	}
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	log.Printf("🔌 Connecting to %s as %s...", *serverURL, *clientID)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = tr.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer tr.Close()

	// Handle interrupt
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if err := tr.SendControl(&messages.ClientEvent{Type: messages.TypeConnectionReady}); err != nil {
		log.Fatalf("Failed to send connection_ready: %v", err)
	}
	select {
	case <-serverReady:
		log.Println("✅ Connected!")
	case <-time.After(5 * time.Second):
		log.Fatal("Timeout waiting for server_ready")
	}

	audioData, err := loadAudioFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to load audio: %v", err)
	}

	if err := tr.SendControl(&messages.ClientEvent{Type: messages.TypeStartRecording}); err != nil {
		log.Fatalf("Failed to start recording: %v", err)
	}

	// Send audio in chunks (simulating real-time streaming)
	log.Printf("📤 Sending audio file: %s", *audioFile)
	chunkSize := 3200 // 100ms at 16kHz
	for i := 0; i < len(audioData); i += chunkSize {
		end := min(i+chunkSize, len(audioData))
		if err := tr.SendAudio(audioData[i:end]); err != nil {
			log.Printf("Send error: %v", err)
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := tr.SendControl(&messages.ClientEvent{Type: messages.TypeStopRecording}); err != nil {
		log.Printf("Failed to stop recording: %v", err)
	}
	log.Println("✅ Audio sent, waiting for response...")

	select {
	case <-replied:
		log.Println("--- Turn complete ---")
	case <-interrupt:
		log.Println("👋 Interrupted, closing...")
	case <-time.After(30 * time.Second):
		log.Println("⏰ Timeout waiting for response")
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Check if it's a WAV file (starts with "RIFF")
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		log.Println("📁 Detected WAV file, skipping header")
		return data[44:], nil
	}

	log.Println("📁 Detected raw PCM file")
	return data, nil
}
