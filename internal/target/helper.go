package target

// Management replies are wrapped in these tokens so they can be told
// apart from anything the program prints concurrently.
const (
	mgmtValueStart = "<minny>"
	mgmtValueEnd   = "</minny>"
)

// Values echoed at the friendly REPL are wrapped in link tokens keyed
// by the object's id, so a frontend can make them clickable.
const (
	objectLinkStart = "[ide_object_link=%d]"
	objectLinkEnd   = "[/ide_object_link]"
)

// helperBaseCode defines the device-side helper class. Imports live in
// the class body because MicroPython cannot import names into a class
// scope via functions (micropython#6198), and uos is tried first for
// ports whose plain os is anemic.
const helperBaseCode = `class __minny_helper:
    import builtins
    try:
        import uos as os
    except builtins.ImportError:
        import os
    import sys

    last_non_none_repl_value = None

    @builtins.classmethod
    def try_file_crc32(cls, path):
        try:
            from binascii import crc32
            crc = 0
            with open(path, "rb") as f:
                for block in iter(lambda: f.read(1024), b""):
                    crc = crc32(block, crc)
            return crc & 0xFFFFFFFF
        except:
            return None

    @builtins.classmethod
    def print_repl_value(cls, obj):
        if obj is not None:
            cls.builtins.print('[ide_object_link=%d]' % cls.builtins.id(obj), cls.builtins.repr(obj), '[/ide_object_link]', sep='')
            cls.last_non_none_repl_value = obj

    @builtins.classmethod
    def print_mgmt_value(cls, obj):
        cls.builtins.print('<minny>', cls.builtins.repr(obj), '</minny>', sep='', end='')

    @builtins.classmethod
    def repr(cls, obj):
        try:
            s = cls.builtins.repr(obj)
            if cls.builtins.len(s) > 50:
                s = s[:50] + "..."
            return s
        except cls.builtins.Exception as e:
            return "<could not serialize: " + __minny_helper.builtins.str(e) + ">"

    @builtins.classmethod
    def listdir(cls, x=""):
        if x == "" and cls.builtins.hasattr(cls.os, "listdir"):
            return cls.os.listdir()
        else:
            return [rec[0] for rec in cls.os.ilistdir(x) if rec[0] not in ('.', '..')]
`

// helperDirCode adds directory-aware methods for firmware that has
// them. Keeping them behind the helper gives one calling convention
// whether the module underneath is os or uos.
const helperDirCode = `
    @builtins.classmethod
    def getcwd(cls):
        return cls.os.getcwd()

    @builtins.classmethod
    def chdir(cls, x):
        return cls.os.chdir(x)

    @builtins.classmethod
    def rmdir(cls, x):
        return cls.os.rmdir(x)
`

// helperScript assembles the helper source for the connected dialect.
func (t *Target) helperScript() string {
	if t.dialect.Microbit() {
		return helperBaseCode
	}
	return helperBaseCode + helperDirCode
}

// gcScript frees device memory before and after installing the helper.
// Low-RAM boards may fail the allocation without it.
const gcScript = `import gc as __minny_gc
__minny_gc.collect()
del __minny_gc
`

// syncFilesystemScript flushes pending writes on ports that buffer
// them. No-op where os.sync does not exist.
const syncFilesystemScript = `if __minny_helper.builtins.hasattr(__minny_helper.os, "sync"):
    __minny_helper.os.sync()
`

// fallbackBuiltinModules approximates a typical firmware's module list
// when help("modules") gives nothing usable. binascii is deliberately
// absent: guessing it present would make file transfer pick hex framing
// the device cannot decode.
var fallbackBuiltinModules = []string{
	"cmath",
	"gc",
	"math",
	"sys",
	"array",
	"collections",
	"errno",
	"hashlib",
	"heapq",
	"io",
	"json",
	"os",
	"re",
	"select",
	"socket",
	"ssl",
	"struct",
	"time",
	"zlib",
	"_thread",
	"btree",
	"framebuf",
	"machine",
	"micropython",
	"network",
	"bluetooth",
	"cryptolib",
	"ctypes",
	"pyb",
	"esp",
	"esp32",
}
