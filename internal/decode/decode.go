package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"cdpfetch/pkg/model"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// MaxDecodedBytes 解码结果上限
const MaxDecodedBytes = 256 << 20

var (
	// ErrUnsupported 未知的内容编码
	ErrUnsupported = errors.New("unsupported content encoding")
	// ErrCorrupt 数据与声明的编码不符
	ErrCorrupt = errors.New("corrupt encoded body")
)

// Codings 将 Content-Encoding 头拆分为按应用顺序排列的编码列表，identity 被忽略
func Codings(header string) []string {
	var out []string
	for _, c := range strings.Split(header, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || c == "identity" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Supported 判断编码是否可解码
func Supported(coding string) bool {
	switch strings.ToLower(strings.TrimSpace(coding)) {
	case "", "identity", "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

// Body 按 Content-Encoding 解码响应体，多重编码按相反顺序逐层解码
func Body(data []byte, contentEncoding string) ([]byte, error) {
	codings := Codings(contentEncoding)
	for _, c := range codings {
		if !Supported(c) {
			return nil, &model.Error{Kind: model.KindUnsupportedEncoding, Op: "decode", Err: fmt.Errorf("%w: %q", ErrUnsupported, c)}
		}
	}
	out := data
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		out, err = decodeOne(out, codings[i])
		if err != nil {
			return nil, &model.Error{Kind: model.KindDecode, Op: "decode", Err: fmt.Errorf("%w: %s: %v", ErrCorrupt, codings[i], err)}
		}
	}
	return out, nil
}

func decodeOne(data []byte, coding string) ([]byte, error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readAll(zr)
	case "deflate":
		// 规范要求 zlib 封装，但不少服务端直接发送裸 deflate 流
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			out, err := readAll(zr)
			_ = zr.Close()
			if err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		return readAll(fr)
	case "br":
		return readAll(brotli.NewReader(bytes.NewReader(data)))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(MaxDecodedBytes))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readAll(zr)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, coding)
}

func readAll(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, MaxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDecodedBytes {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", MaxDecodedBytes)
	}
	return out, nil
}

// Encode 按 Content-Encoding 编码数据，是 Body 的逆操作
func Encode(data []byte, contentEncoding string) ([]byte, error) {
	out := data
	for _, c := range Codings(contentEncoding) {
		var buf bytes.Buffer
		var w io.WriteCloser
		switch c {
		case "gzip", "x-gzip":
			w = gzip.NewWriter(&buf)
		case "deflate":
			w = zlib.NewWriter(&buf)
		case "br":
			w = brotli.NewWriter(&buf)
		case "zstd":
			zw, err := zstd.NewWriter(&buf)
			if err != nil {
				return nil, err
			}
			w = zw
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupported, c)
		}
		if _, err := w.Write(out); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		out = buf.Bytes()
	}
	return out, nil
}
