package modem

import (
	"context"
	"errors"
	"testing"

	"go.bug.st/serial"
	"go.uber.org/mock/gomock"
)

func TestSerialDialer_Dial(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		dialer  SerialDialer
		ctx     context.Context
		wantMsg string
		wantErr error
	}{
		{
			name:    "Empty port name",
			dialer:  SerialDialer{},
			ctx:     context.Background(),
			wantMsg: "idp: serial port name is required",
		},
		{
			name:    "Nil context",
			dialer:  SerialDialer{PortName: "/dev/ttyUSB0"},
			ctx:     nil,
			wantMsg: "idp: context is nil",
		},
		{
			name:    "Cancelled context",
			dialer:  SerialDialer{PortName: "/dev/nonexistent"},
			ctx:     cancelled,
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := tt.dialer.Dial(tt.ctx)
			if transport != nil {
				t.Error("expected nil transport")
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Errorf("unexpected error message: %v", err)
			}
			if tt.wantErr != nil && err != tt.wantErr {
				t.Errorf("expected %v, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestSerialDialer_Dial_NonexistentPort(t *testing.T) {
	dialer := SerialDialer{PortName: "/dev/nonexistent-idp"}

	transport, err := dialer.Dial(context.Background())
	if err == nil {
		t.Error("expected error for non-existent port")
	}
	if transport != nil {
		t.Error("expected nil transport for non-existent port")
	}
}

func TestSerialDialer_Mode(t *testing.T) {
	t.Run("Defaults to 9600 8N1", func(t *testing.T) {
		mode := SerialDialer{PortName: "/dev/ttyUSB0"}.mode()
		if mode.BaudRate != DefaultBaudRate {
			t.Errorf("expected baud rate %d, got %d", DefaultBaudRate, mode.BaudRate)
		}
		if mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
			t.Errorf("expected 8N1, got %+v", mode)
		}
	})

	t.Run("Uses the configured baud rate", func(t *testing.T) {
		mode := SerialDialer{PortName: "/dev/ttyUSB0", BaudRate: 115200}.mode()
		if mode.BaudRate != 115200 {
			t.Errorf("expected baud rate 115200, got %d", mode.BaudRate)
		}
	})

	t.Run("An explicit mode wins", func(t *testing.T) {
		explicit := &serial.Mode{BaudRate: 4800, DataBits: 7, Parity: serial.EvenParity}
		mode := SerialDialer{PortName: "/dev/ttyUSB0", BaudRate: 115200, Mode: explicit}.mode()
		if mode != explicit {
			t.Errorf("expected explicit mode, got %+v", mode)
		}
	})
}

func TestDialerInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDialer := NewMockDialer(ctrl)
	mockTransport := NewMockTransport(ctrl)

	var _ Dialer = mockDialer
	var _ Dialer = SerialDialer{}
	var _ Transport = mockTransport
	var _ Transport = NewTestTransport(nil)

	dialError := errors.New("dial failed")
	ctx := context.Background()
	gomock.InOrder(
		mockDialer.EXPECT().Dial(ctx).Return(nil, dialError),
		mockDialer.EXPECT().Dial(ctx).Return(mockTransport, nil),
	)

	if _, err := mockDialer.Dial(ctx); err != dialError {
		t.Errorf("expected dial error, got: %v", err)
	}
	transport, err := mockDialer.Dial(ctx)
	if err != nil {
		t.Errorf("unexpected dial error: %v", err)
	}
	if transport != mockTransport {
		t.Error("expected mock transport to be returned")
	}
}

func TestTestTransport(t *testing.T) {
	transport := NewTestTransport(func(cmd string) string {
		return cmd + "\r\r\nOK\r\n"
	})

	if _, err := transport.Write([]byte("AT\r")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	// Short buffers receive the reply in pieces
	var got []byte
	buf := make([]byte, 3)
	for len(got) < len("AT\r\r\nOK\r\n") {
		n, err := transport.Read(buf)
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "AT\r\r\nOK\r\n" {
		t.Errorf("unexpected reply %q", got)
	}
	if w := transport.Writes(); len(w) != 1 || w[0] != "AT" {
		t.Errorf("unexpected writes %q", w)
	}

	transport.Close()
	if _, err := transport.Write([]byte("AT\r")); err == nil {
		t.Error("expected write after close to fail")
	}
	if _, err := transport.Read(buf); err == nil {
		t.Error("expected read after close to fail")
	}
}
