package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Stream audio in chunks to simulate real-time streaming
// At 8kHz 16-bit mono = 16000 bytes/second
// 100ms chunks = 1600 bytes
const chunkSize = 1600
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "Path to WAV file (8kHz 16-bit mono)")
	serverURL := flag.String("server", "http://localhost:6018/speech-to-text-stream", "Bridge stream URL")
	realtime := flag.Bool("realtime", true, "Pace the upload at audio speed")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	if err := checkHeader(f); err != nil {
		log.Fatal().Err(err).Msg("Unsupported audio file")
	}

	pr, pw := io.Pipe()
	go upload(f, pw, *realtime)

	req, err := http.NewRequest(http.MethodPost, *serverURL, pr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal().Err(err).Msg("Request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatal().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Bridge rejected the stream")
	}

	// Each write is the latest full transcript; print them as they arrive.
	buf := make([]byte, 64*1024)
	var updates int
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			updates++
			fmt.Printf("[%d] %s\n", updates, buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Transcript stream broke")
		}
	}
	log.Info().Int("updates", updates).Msg("Stream completed")
}

// checkHeader reads the WAV header and warns about formats the bridge does not expect.
func checkHeader(f io.Reader) error {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("read WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return fmt.Errorf("not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Info().
		Uint16("format", audioFormat).
		Uint16("channels", numChannels).
		Uint32("sampleRate", sampleRate).
		Uint16("bitsPerSample", bitsPerSample).
		Msg("WAV file")

	if audioFormat != 1 { // PCM
		return fmt.Errorf("only PCM format supported, got %d", audioFormat)
	}
	if sampleRate != 8000 || numChannels != 1 || bitsPerSample != 16 {
		log.Warn().Msg("Bridge expects 8 kHz mono 16-bit audio")
	}
	return nil
}

func upload(f io.Reader, w *io.PipeWriter, realtime bool) {
	chunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	start := time.Now()

	for {
		n, err := f.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				log.Error().Err(werr).Msg("Upload aborted")
				return
			}
			chunkNum++
			totalBytes += int64(n)
			if chunkNum%50 == 0 {
				log.Debug().Int("chunk", chunkNum).Int64("bytes", totalBytes).Msg("Sent")
			}
			if realtime {
				time.Sleep(chunkIntervalMs * time.Millisecond)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			w.CloseWithError(err)
			return
		}
	}

	log.Info().
		Int("chunks", chunkNum).
		Int64("bytes", totalBytes).
		Dur("elapsed", time.Since(start)).
		Msg("Finished streaming, waiting for final transcript")
	w.Close()
}
